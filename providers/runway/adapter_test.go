package runway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/types"
)

func testRequest() *types.GenerationRequest {
	return &types.GenerationRequest{
		ID:          "req-1",
		ProviderID:  "runway",
		ModelID:     "gen4_turbo",
		Prompt:      "waves crashing on a cliff",
		InputImages: []string{"https://img.example/start.jpg"},
		NumOutputs:  1,
		Parameters: map[string]any{
			"aspect_ratio": "9:16",
			"duration":     5.0,
			"seed":         7.0,
		},
	}
}

func TestDispatch_ReturnsJobHandle(t *testing.T) {
	t.Parallel()

	var gotBody runwayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/image_to_video", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, apiVersion, r.Header.Get("X-Runway-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "task-3", "status": "PENDING"})
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "secret", BaseURL: srv.URL}, zap.NewNop())
	d, err := a.Dispatch(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, providers.DispatchJob, d.Kind)
	assert.Equal(t, "task-3", d.ProviderTaskID)
	assert.Equal(t, pollHint, d.PollHint)

	assert.Equal(t, "720:1280", gotBody.Ratio)
	assert.Equal(t, 5, gotBody.Duration)
	assert.Equal(t, int64(7), gotBody.Seed)
	assert.Equal(t, "https://img.example/start.jpg", gotBody.PromptImage)
}

func TestCheckStatus_Transitions(t *testing.T) {
	t.Parallel()

	responses := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/task-3", r.URL.Path)
		_ = json.NewEncoder(w).Encode(responses)
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())
	ctx := context.Background()

	responses = map[string]any{"id": "task-3", "status": "RUNNING", "progress": 0.4}
	st, err := a.CheckStatus(ctx, "task-3")
	require.NoError(t, err)
	assert.False(t, st.Terminal)
	assert.Equal(t, 40, st.Progress)

	responses = map[string]any{
		"id": "task-3", "status": "SUCCEEDED",
		"output": []string{"https://cdn.example/clip.mp4"},
	}
	st, err = a.CheckStatus(ctx, "task-3")
	require.NoError(t, err)
	assert.True(t, st.Terminal)
	assert.True(t, st.Succeeded)
	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, types.ArtifactVideo, st.Artifacts[0].Type)
	assert.Equal(t, "https://cdn.example/clip.mp4", st.Artifacts[0].URL)

	responses = map[string]any{
		"id": "task-3", "status": "FAILED",
		"failure": "internal error", "failureCode": "INTERNAL.BAD_OUTPUT",
	}
	st, err = a.CheckStatus(ctx, "task-3")
	require.NoError(t, err)
	assert.True(t, st.Terminal)
	assert.False(t, st.Succeeded)
	assert.Contains(t, st.ErrorDetail, "internal error")
	assert.Contains(t, st.ErrorDetail, "INTERNAL.BAD_OUTPUT")

	responses = map[string]any{"id": "task-3", "status": "THROTTLED"}
	st, err = a.CheckStatus(ctx, "task-3")
	require.NoError(t, err)
	assert.False(t, st.Terminal)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/tasks/task-3", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a := New(providers.BaseConfig{APIKey: "k", BaseURL: srv.URL}, zap.NewNop())

	require.NoError(t, a.Cancel(context.Background(), "task-3"))

	// Already-terminal tasks report 404; that still counts as cancelled.
	status = http.StatusNotFound
	require.NoError(t, a.Cancel(context.Background(), "task-3"))

	status = http.StatusUnauthorized
	err := a.Cancel(context.Background(), "task-3")
	assert.Equal(t, types.ErrAuthenticationFailed, types.KindOf(err))
}
