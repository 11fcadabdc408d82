// Package minimax implements the MiniMax music adapter. The music
// endpoint is synchronous and returns base64 audio inline, so results
// are surfaced as data URIs for the transfer layer to durably store.
package minimax

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

const (
	defaultBaseURL = "https://api.minimax.io"
	defaultModel   = "music-01"
)

// Adapter calls the MiniMax music generation API.
type Adapter struct {
	cfg    providers.BaseConfig
	client *http.Client
	logger *zap.Logger
}

// New creates a MiniMax adapter.
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

func (a *Adapter) Name() string { return "minimax" }

type audioSetting struct {
	SampleRate int    `json:"sample_rate,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Format     string `json:"format,omitempty"`
}

type musicRequest struct {
	Model        string       `json:"model"`
	Prompt       string       `json:"prompt,omitempty"`
	Lyrics       string       `json:"lyrics,omitempty"`
	ReferAudio   string       `json:"refer_audio,omitempty"`
	AudioSetting audioSetting `json:"audio_setting,omitempty"`
}

type musicResponse struct {
	BaseResp struct {
		StatusCode int    `json:"status_code"` // 0 means success
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
	Data struct {
		Audio string `json:"audio"` // base64 encoded
	} `json:"data"`
	ExtraInfo struct {
		AudioLength float64 `json:"audio_length"`
	} `json:"extra_info"`
}

// Dispatch generates one audio track and returns it as a terminal result.
func (a *Adapter) Dispatch(ctx context.Context, req *types.GenerationRequest) (*providers.Dispatch, error) {
	body := musicRequest{
		Model:  a.modelFor(req),
		Prompt: req.Prompt,
		AudioSetting: audioSetting{
			SampleRate: 44100,
			Bitrate:    128000,
			Format:     "mp3",
		},
	}
	if lyrics, ok := req.Parameters["lyrics"].(string); ok {
		body.Lyrics = lyrics
	}
	if len(req.InputImages) > 0 {
		// Input refs carry reference audio for this adapter.
		body.ReferAudio = req.InputImages[0]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "encode minimax request").WithCause(err)
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/music_generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build minimax request").WithCause(err)
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
		return nil, providers.MapHTTPError(resp.StatusCode, string(raw), a.Name(),
			providers.ParseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var mResp musicResponse
	if err := json.Unmarshal(raw, &mResp); err != nil {
		return nil, types.NewError(types.ErrProviderError, "decode minimax response").WithCause(err).WithProvider(a.Name())
	}
	if mResp.BaseResp.StatusCode != 0 {
		return nil, types.NewError(types.ErrProviderError,
			fmt.Sprintf("minimax error %d: %s", mResp.BaseResp.StatusCode, mResp.BaseResp.StatusMsg)).WithProvider(a.Name())
	}
	if mResp.Data.Audio == "" {
		return nil, types.NewError(types.ErrProviderError, "minimax returned no audio").WithProvider(a.Name())
	}

	return &providers.Dispatch{
		Kind: providers.DispatchResult,
		Artifacts: []types.Artifact{{
			Type: types.ArtifactAudio,
			URL:  "data:audio/mp3;base64," + mResp.Data.Audio,
			Metadata: map[string]string{
				"provider":         a.Name(),
				"duration_seconds": strconv.FormatFloat(mResp.ExtraInfo.AudioLength, 'f', -1, 64),
			},
		}},
		RawRequest: payload,
		// The raw response embeds the full base64 track; persisting it
		// would bloat the record, so only the request side is captured.
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

var _ providers.Adapter = (*Adapter)(nil)
