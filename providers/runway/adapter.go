// Package runway implements the Runway video adapter (Gen-4 family).
// Runway is asynchronous: dispatch creates a task and status is polled
// via /v1/tasks/{id}. Cancellation maps onto the task delete endpoint.
package runway

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
	defaultBaseURL = "https://api.runwayml.com"
	defaultModel   = "gen4_turbo"
	apiVersion     = "2024-11-06"
	pollHint       = 5 * time.Second
)

// ratioPixels converts canonical aspect tokens into the pixel ratios the
// Runway API accepts.
var ratioPixels = map[string]string{
	"16:9": "1280:720",
	"9:16": "720:1280",
	"1:1":  "960:960",
	"4:3":  "1104:832",
	"3:4":  "832:1104",
	"21:9": "1584:672",
	"9:21": "672:1584",
}

// Adapter calls the Runway task API.
type Adapter struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a Runway adapter.
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

func (a *Adapter) Name() string { return "runway" }

type runwayRequest struct {
	Model       string `json:"model"`
	PromptText  string `json:"promptText,omitempty"`
	PromptImage string `json:"promptImage,omitempty"` // HTTPS URL or data URI
	Ratio       string `json:"ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"` // 2-10 seconds
	Seed        int64  `json:"seed,omitempty"`
}

type runwayResponse struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"` // PENDING, RUNNING, THROTTLED, SUCCEEDED, FAILED, CANCELLED
	Progress    *float64 `json:"progress,omitempty"`
	Output      []string `json:"output,omitempty"`
	Failure     string   `json:"failure,omitempty"`
	FailureCode string   `json:"failureCode,omitempty"`
}

// Dispatch submits an image-to-video task and returns a job handle.
func (a *Adapter) Dispatch(ctx context.Context, req *types.GenerationRequest) (*providers.Dispatch, error) {
	body := runwayRequest{
		Model:      a.modelFor(req),
		PromptText: req.Prompt,
		Ratio:      ratioPixels["16:9"],
	}
	if ratio, ok := req.Parameters["aspect_ratio"].(string); ok {
		if px, known := ratioPixels[ratio]; known {
			body.Ratio = px
		}
	}
	if dur, ok := params.Number(req.Parameters, "duration"); ok {
		body.Duration = int(dur)
	}
	if seed, ok := params.Number(req.Parameters, "seed"); ok {
		body.Seed = int64(seed)
	}
	if len(req.InputImages) > 0 {
		body.PromptImage = req.InputImages[0]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode runway request").WithCause(err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/image_to_video"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build runway request").WithCause(err)
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

	var rResp runwayResponse
	if err := json.Unmarshal(raw, &rResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode runway response").WithCause(err).WithProvider(a.Name())
	}
	if rResp.ID == "" {
		return nil, types.NewError(types.ErrProviderError, "runway accepted the request but returned no task id").WithProvider(a.Name())
	}

	return &providers.Dispatch{
		Kind:           providers.DispatchJob,
		ProviderTaskID: rResp.ID,
		PollHint:       pollHint,
		RawRequest:     payload,
		RawResponse:    raw,
	}, nil
}

// CheckStatus queries one runway task.
func (a *Adapter) CheckStatus(ctx context.Context, providerTaskID string) (*providers.JobStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/tasks/%s", strings.TrimRight(a.cfg.BaseURL, "/"), providerTaskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build runway status request").WithCause(err)
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

	var rResp runwayResponse
	if err := json.Unmarshal(raw, &rResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode runway status").WithCause(err).WithProvider(a.Name())
	}

	st := &providers.JobStatus{Progress: types.ProgressUnknown, Raw: raw}
	if rResp.Progress != nil {
		st.Progress = int(*rResp.Progress * 100)
	}

	switch rResp.Status {
	case "SUCCEEDED":
		st.Terminal = true
		st.Succeeded = true
		for _, url := range rResp.Output {
			st.Artifacts = append(st.Artifacts, types.Artifact{
				Type: types.ArtifactVideo,
				URL:  url,
				Metadata: map[string]string{
					"provider": a.Name(),
				},
			})
		}
	case "FAILED", "CANCELLED":
		st.Terminal = true
		st.Succeeded = false
		st.ErrorDetail = rResp.Failure
		if st.ErrorDetail == "" {
			st.ErrorDetail = "runway reported status " + rResp.Status
		}
		if rResp.FailureCode != "" {
			st.ErrorDetail += " (" + rResp.FailureCode + ")"
		}
	}
	// PENDING, RUNNING and THROTTLED stay non-terminal.
	return st, nil
}

// Cancel aborts a running runway task. A 404 means the task already
// reached a terminal state; that counts as cancelled.
func (a *Adapter) Cancel(ctx context.Context, providerTaskID string) error {
	endpoint := fmt.Sprintf("%s/v1/tasks/%s", strings.TrimRight(a.cfg.BaseURL, "/"), providerTaskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return types.NewError(types.ErrInternal, "build runway cancel request").WithCause(err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return providers.ClassifyTransportError(err, a.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(resp.Body)
		return providers.MapHTTPError(resp.StatusCode, string(raw), a.Name(), 0)
	}
	return nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runway-Version", apiVersion)
}

func (a *Adapter) modelFor(req *types.GenerationRequest) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	return a.cfg.Model
}

var _ providers.Adapter = (*Adapter)(nil)
