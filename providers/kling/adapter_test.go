package kling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

func testRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		ID:          "req-1",
		ProviderID:  "kling",
		ModelID:     "kling-v1-6",
		Prompt:      "a paper boat on a stream",
		InputImages: []string{"https://img.example/start.jpg"},
		NumOutputs:  1,
		Parameters: map[string]any{
			"aspect_ratio": "16:9",
			"duration":     5.0,
			"guidance":     0.5,
		},
	}
}

func TestSignToken(t *testing.T) {
	t.Parallel()

	a := New(providers.BaseConfig{APIKey: "ak,sk"}, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)

	signed, err := a.signToken(now)
	require.NoError(t, err)

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte("sk"), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "ak", claims["iss"])
	assert.Equal(t, float64(now.Unix()+1800), claims["exp"])
	assert.Equal(t, float64(now.Unix()-5), claims["nbf"])
}

func TestSignToken_MissingKeys(t *testing.T) {
	t.Parallel()

	a := New(providers.BaseConfig{APIKey: "just-one-key"}, zap.NewNop())
	_, err := a.signToken(time.Now())
	assert.Error(t, err)

	_, dispatchErr := a.Dispatch(context.Background(), testRequest())
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(dispatchErr))
}

func TestDispatch_ReturnsJobHandle(t *testing.T) {
	t.Parallel()

	var gotBody klingRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/videos/image2video", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "message": "ok",
			"data": map[string]any{"task_id": "task-5", "task_status": "submitted"},
		})
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "ak,sk", BaseURL: srv.URL}, zap.NewNop())
	d, err := a.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, providers.DispatchJob, d.Kind)
	assert.Equal(t, "task-5", d.ProviderTaskID)
	assert.Equal(t, pollHint, d.PollHint)

	assert.True(t, strings.HasPrefix(gotAuth, "Bearer ey"), "expected a JWT bearer token, got %q", gotAuth)
	assert.Equal(t, "kling-v1-6", gotBody.ModelName)
	assert.Equal(t, "16:9", gotBody.AspectRatio)
	assert.Equal(t, "5", gotBody.Duration)
	assert.Equal(t, 0.5, gotBody.CfgScale)
	assert.Equal(t, "https://img.example/start.jpg", gotBody.Image)
}

func TestDispatch_EnvelopeError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 1102, "message": "resource pack exhausted"})
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "ak,sk", BaseURL: srv.URL}, zap.NewNop())
	_, err := a.Dispatch(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, types.ErrProviderError, types.KindOf(err))
	assert.Contains(t, err.Error(), "1102")
}

func TestCheckStatus_Transitions(t *testing.T) {
	t.Parallel()

	responses := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/videos/image2video/task-5", r.URL.Path)
		_ = json.NewEncoder(w).Encode(responses)
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "ak,sk", BaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	responses = map[string]any{
		"code": 0, "data": map[string]any{"task_id": "task-5", "task_status": "processing"},
	}
	st, err := a.CheckStatus(ctx, "task-5")
	require.NoError(t, err)
	assert.False(t, st.Terminal)
	assert.Equal(t, types.ProgressUnknown, st.Progress)

	responses = map[string]any{
		"code": 0,
		"data": map[string]any{
			"task_id": "task-5", "task_status": "succeed",
			"task_result": map[string]any{
				"videos": []map[string]any{
					{"id": "v1", "url": "https://cdn.example/out.mp4", "duration": "5"},
				},
			},
		},
	}
	st, err = a.CheckStatus(ctx, "task-5")
	require.NoError(t, err)
	assert.True(t, st.Terminal)
	assert.True(t, st.Succeeded)
	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, types.ArtifactVideo, st.Artifacts[0].Type)
	assert.Equal(t, "https://cdn.example/out.mp4", st.Artifacts[0].URL)
	assert.Equal(t, "5", st.Artifacts[0].Metadata["duration"])

	responses = map[string]any{
		"code": 0,
		"data": map[string]any{
			"task_id": "task-5", "task_status": "failed",
			"task_status_msg": "content policy violation",
		},
	}
	st, err = a.CheckStatus(ctx, "task-5")
	require.NoError(t, err)
	assert.True(t, st.Terminal)
	assert.False(t, st.Succeeded)
	assert.Equal(t, "content policy violation", st.ErrorDetail)
}

func TestCancel_NotSupported(t *testing.T) {
	t.Parallel()
	a := New(providers.BaseConfig{APIKey: "ak,sk"}, zap.NewNop())
	assert.ErrorIs(t, a.Cancel(context.Background(), "task-5"), providers.ErrCancelNotSupported)
}
