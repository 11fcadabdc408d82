// Package flux implements the Black Forest Labs Flux image adapter.
// Flux is asynchronous: dispatch returns a job id plus a polling URL, and
// results carry short-lived signed URLs that must be transferred promptly.
package flux

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/params"
	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

const (
	defaultBaseURL = "https://api.bfl.ai"
	defaultModel   = "flux-2-pro"
	pollHint       = 2 * time.Second
)

// Adapter calls the Flux generation API.
type Adapter struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a Flux adapter.
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

func (a *Adapter) Name() string { return "flux" }

type fluxRequest struct {
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio,omitempty"`
	Steps           int    `json:"steps,omitempty"`
	Seed            int64  `json:"seed,omitempty"`
	SafetyTolerance int    `json:"safety_tolerance,omitempty"`
	InputImage      string `json:"input_image,omitempty"`
	OutputFormat    string `json:"output_format,omitempty"`
}

type fluxResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress,omitempty"`
	PollingURL string `json:"polling_url,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Result     struct {
		Sample string `json:"sample"` // signed URL, valid ~10 minutes
	} `json:"result,omitempty"`
}

// Dispatch submits the generation and returns a job handle. Flux never
// completes synchronously.
func (a *Adapter) Dispatch(ctx context.Context, req *types.GenerationRequest) (*providers.Dispatch, error) {
	body := fluxRequest{
		Prompt:       req.Prompt,
		OutputFormat: "jpeg",
	}
	if ratio, ok := req.Parameters["aspect_ratio"].(string); ok {
		body.AspectRatio = ratio
	}
	if seed, ok := params.Number(req.Parameters, "seed"); ok {
		body.Seed = int64(seed)
	}
	if steps, ok := params.Number(req.Parameters, "steps"); ok {
		body.Steps = int(steps)
	}
	if tol, ok := params.Number(req.Parameters, "safety_tolerance"); ok {
		// The API rejects values outside 0-6.
		body.SafetyTolerance = int(params.Clamp(tol, types.Range{Min: 0, Max: 6}))
	}
	if len(req.InputImages) > 0 {
		body.InputImage = req.InputImages[0]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode flux request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(a.cfg.BaseURL, "/"), a.modelFor(req))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build flux request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(err, a.Name())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, string(raw), a.Name(),
			providers.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var fResp fluxResponse
	if err := json.Unmarshal(raw, &fResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode flux response").WithCause(err).WithProvider(a.Name())
	}
	if fResp.ID == "" {
		return nil, types.NewError(types.ErrProviderError, "flux accepted the request but returned no task id").WithProvider(a.Name())
	}

	return &providers.Dispatch{
		Kind:           providers.DispatchJob,
		ProviderTaskID: fResp.ID,
		PollHint:       pollHint,
		RawRequest:     payload,
		RawResponse:    raw,
	}, nil
}

// CheckStatus queries one flux job.
func (a *Adapter) CheckStatus(ctx context.Context, providerTaskID string) (*providers.JobStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(a.cfg.BaseURL, "/"), providerTaskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build flux status request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, providers.ClassifyTransportError(err, a.Name())
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, providers.MapHTTPError(resp.StatusCode, string(raw), a.Name(),
			providers.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var fResp fluxResponse
	if err := json.Unmarshal(raw, &fResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode flux status").WithCause(err).WithProvider(a.Name())
	}

	st := &providers.JobStatus{Progress: types.ProgressUnknown, Raw: raw}
	if fResp.Progress != nil {
		st.Progress = *fResp.Progress
	}

	switch fResp.Status {
	case "Ready":
		st.Terminal = true
		st.Succeeded = true
		st.Artifacts = []types.Artifact{{
			Type: types.ArtifactImage,
			URL:  fResp.Result.Sample,
			Metadata: map[string]string{
				"provider": a.Name(),
			},
		}}
	case "Error", "Failed", "Content Moderated", "Request Moderated":
		st.Terminal = true
		st.Succeeded = false
		st.ErrorDetail = fResp.Detail
		if st.ErrorDetail == "" {
			st.ErrorDetail = "flux reported status " + fResp.Status
		}
	}
	return st, nil
}

// Cancel is not supported by the Flux API.
func (a *Adapter) Cancel(ctx context.Context, providerTaskID string) error {
	return providers.ErrCancelNotSupported
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-key", a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (a *Adapter) modelFor(req *types.GenerationRequest) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	return a.cfg.Model
}

var _ providers.Adapter = (*Adapter)(nil)
