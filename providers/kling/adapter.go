// Package kling implements the Kling video adapter. Kling signs every
// request with a short-lived HS256 JWT minted from an access/secret key
// pair; the configured APIKey carries both as "access_key,secret_key".
package kling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/params"
	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

const (
	defaultBaseURL = "https://api.klingai.com"
	defaultModel   = "kling-v1-6"
	pollHint       = 5 * time.Second
	tokenTTL       = 30 * time.Minute
)

// Adapter calls the Kling video API.
type Adapter struct {
	cfg       providers.BaseConfig
	accessKey string
	secretKey string
	client    *http.Client
	logger    *zap.Logger
}

// New creates a Kling adapter. cfg.APIKey must be "access_key,secret_key".
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
	a := &Adapter{cfg: cfg, client: cfg.HTTPClient(), logger: logger}
	if parts := strings.SplitN(cfg.APIKey, ",", 2); len(parts) == 2 {
		a.accessKey = strings.TrimSpace(parts[0])
		a.secretKey = strings.TrimSpace(parts[1])
	}
	return a
}

func (a *Adapter) Name() string { return "kling" }

type klingRequest struct {
	ModelName   string  `json:"model_name,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
	Image       string  `json:"image,omitempty"`
	Duration    string  `json:"duration,omitempty"` // "5" or "10"
	AspectRatio string  `json:"aspect_ratio,omitempty"`
	CfgScale    float64 `json:"cfg_scale,omitempty"`
}

type klingResponse struct {
	Code    int    `json:"code"` // 0 means success
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"` // submitted, processing, succeed, failed
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				ID       string `json:"id"`
				URL      string `json:"url"`
				Duration string `json:"duration"`
			} `json:"videos"`
		} `json:"task_result"`
	} `json:"data"`
}

// Dispatch submits an image-to-video task and returns a job handle.
func (a *Adapter) Dispatch(ctx context.Context, req *types.GenerationRequest) (*providers.Dispatch, error) {
	body := klingRequest{
		ModelName: a.modelFor(req),
		Prompt:    req.Prompt,
	}
	if ratio, ok := req.Parameters["aspect_ratio"].(string); ok {
		body.AspectRatio = ratio
	}
	if dur, ok := params.Number(req.Parameters, "duration"); ok {
		body.Duration = strconv.Itoa(int(dur))
	}
	if scale, ok := params.Number(req.Parameters, "guidance"); ok {
		body.CfgScale = scale
	}
	if len(req.InputImages) > 0 {
		body.Image = req.InputImages[0]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode kling request").WithCause(err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/videos/image2video"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build kling request").WithCause(err)
	}
	if err := a.setHeaders(httpReq); err != nil {
		return nil, err
	}

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

	kResp, err := a.decode(raw)
	if err != nil {
		return nil, err
	}
	if kResp.Data.TaskID == "" {
		return nil, types.NewError(types.ErrProviderError, "kling accepted the request but returned no task id").WithProvider(a.Name())
	}

	return &providers.Dispatch{
		Kind:           providers.DispatchJob,
		ProviderTaskID: kResp.Data.TaskID,
		PollHint:       pollHint,
		RawRequest:     payload,
		RawResponse:    raw,
	}, nil
}

// CheckStatus queries one kling task.
func (a *Adapter) CheckStatus(ctx context.Context, providerTaskID string) (*providers.JobStatus, error) {
	endpoint := fmt.Sprintf("%s/v1/videos/image2video/%s", strings.TrimRight(a.cfg.BaseURL, "/"), providerTaskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build kling status request").WithCause(err)
	}
	if err := a.setHeaders(httpReq); err != nil {
		return nil, err
	}

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

	kResp, err := a.decode(raw)
	if err != nil {
		return nil, err
	}

	st := &providers.JobStatus{Progress: types.ProgressUnknown, Raw: raw}
	switch kResp.Data.TaskStatus {
	case "succeed":
		st.Terminal = true
		st.Succeeded = true
		for _, v := range kResp.Data.TaskResult.Videos {
			st.Artifacts = append(st.Artifacts, types.Artifact{
				Type: types.ArtifactVideo,
				URL:  v.URL,
				Metadata: map[string]string{
					"provider": a.Name(),
					"duration": v.Duration,
				},
			})
		}
	case "failed":
		st.Terminal = true
		st.Succeeded = false
		st.ErrorDetail = kResp.Data.TaskStatusMsg
		if st.ErrorDetail == "" {
			st.ErrorDetail = "kling reported task failure"
		}
	}
	// "submitted" and "processing" stay non-terminal.
	return st, nil
}

// Cancel is not supported by the Kling API.
func (a *Adapter) Cancel(ctx context.Context, providerTaskID string) error {
	return providers.ErrCancelNotSupported
}

// decode unwraps the kling envelope; a non-zero code inside a 200
// response is still a provider-side failure.
func (a *Adapter) decode(raw []byte) (*klingResponse, error) {
	var kResp klingResponse
	if err := json.Unmarshal(raw, &kResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode kling response").WithCause(err).WithProvider(a.Name())
	}
	if kResp.Code != 0 {
		return nil, types.NewError(types.ErrProviderError,
			fmt.Sprintf("kling error %d: %s", kResp.Code, kResp.Message)).WithProvider(a.Name())
	}
	return &kResp, nil
}

func (a *Adapter) setHeaders(req *http.Request) error {
	token, err := a.signToken(time.Now())
	if err != nil {
		return types.NewError(types.ErrAuthenticationFailed, "mint kling token").WithCause(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return nil
}

// signToken mints the HS256 JWT kling expects: issuer is the access key,
// valid from five seconds ago for thirty minutes.
func (a *Adapter) signToken(now time.Time) (string, error) {
	if a.accessKey == "" || a.secretKey == "" {
		return "", fmt.Errorf("kling api key must be \"access_key,secret_key\"")
	}
	claims := jwt.MapClaims{
		"iss": a.accessKey,
		"exp": now.Add(tokenTTL).Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["typ"] = "JWT"
	return token.SignedString([]byte(a.secretKey))
}

func (a *Adapter) modelFor(req *types.GenerationRequest) string {
	if req.ModelID != "" {
		return req.ModelID
	}
	return a.cfg.Model
}

var _ providers.Adapter = (*Adapter)(nil)
