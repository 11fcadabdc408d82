// Package openai implements the OpenAI image adapter. The images API is
// synchronous: a successful dispatch already carries the final artifacts,
// so this adapter never hands back a job handle.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-image-1"
)

// ratioSizes maps canonical aspect tokens onto the nearest size the
// images API accepts.
var ratioSizes = map[string]string{
	"1:1":  "1024x1024",
	"4:3":  "1536x1024",
	"3:4":  "1024x1536",
	"16:9": "1536x1024",
	"9:16": "1024x1536",
	"21:9": "1536x1024",
	"9:21": "1024x1536",
}

// Adapter calls the OpenAI images API.
type Adapter struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates an OpenAI image adapter.
func New(cfg providers.BaseConfig, logger *zap.Logger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, client: cfg.HTTPClient(), logger: logger}
}

func (a *Adapter) Name() string { return "openai" }

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Dispatch generates images and returns them as a terminal result.
func (a *Adapter) Dispatch(ctx context.Context, req *types.GenerationRequest) (*providers.Dispatch, error) {
	body := imageRequest{
		Model:  a.modelFor(req),
		Prompt: req.Prompt,
		N:      req.NumOutputs,
	}
	// The images API takes fixed sizes, not ratios; unknown tokens fall
	// back to the API default.
	if ratio, ok := req.Parameters["aspect_ratio"].(string); ok {
		body.Size = ratioSizes[ratio]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode openai request").WithCause(err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/images/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build openai request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(err, a.Name())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, errMessage(raw), a.Name(),
			providers.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var iResp imageResponse
	if err := json.Unmarshal(raw, &iResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode openai response").WithCause(err).WithProvider(a.Name())
	}
	if len(iResp.Data) == 0 {
		return nil, types.NewError(types.ErrProviderError, "openai returned no images").WithProvider(a.Name())
	}

	artifacts := make([]types.Artifact, 0, len(iResp.Data))
	for _, d := range iResp.Data {
		art := types.Artifact{Type: types.ArtifactImage, URL: d.URL}
		if d.RevisedPrompt != "" {
			art.Metadata = map[string]string{"revised_prompt": d.RevisedPrompt}
		}
		artifacts = append(artifacts, art)
	}

	return &providers.Dispatch{
		Kind:        providers.DispatchResult,
		Artifacts:   artifacts,
		RawRequest:  payload,
		RawResponse: raw,
	}, nil
}

// CheckStatus is meaningless for a synchronous adapter.
func (a *Adapter) CheckStatus(ctx context.Context, providerTaskID string) (*providers.JobStatus, error) {
	return nil, providers.ErrStatusNotSupported
}

// Cancel is meaningless for a synchronous adapter.
func (a *Adapter) Cancel(ctx context.Context, providerTaskID string) error {
	return providers.ErrCancelNotSupported
}

func (a *Adapter) modelFor(req *types.GenerationRequest) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	return a.cfg.Model
}

func errMessage(raw []byte) string {
	var iResp imageResponse
	if err := json.Unmarshal(raw, &iResp); err == nil && iResp.Error != nil {
		return iResp.Error.Message
	}
	return string(raw)
}

var _ providers.Adapter = (*Adapter)(nil)
