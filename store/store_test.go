package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeml/mediaflow/types"
)

// backends under test. The same conformance suite runs against each so
// semantics cannot drift between deployments.
func testBackends(t *testing.T) map[string]GenerationStore {
	t.Helper()

	dbStore, err := NewDBStore(DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbStore.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisStore := NewRedisStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = redisStore.Close() })

	return map[string]GenerationStore{
		"memory":   NewMemoryStore(),
		"database": dbStore,
		"redis":    redisStore,
	}
}

func newRequest(id string) *types.GenerationRequest {
	return &types.GenerationRequest{
		ID:         id,
		ProviderID: "flux",
		ModelID:    "flux-2-pro",
		Prompt:     "a red door",
		NumOutputs: 1,
		Parameters: map[string]any{"aspect_ratio": "1:1"},
		Status:     types.StatusPending,
		Progress:   types.ProgressUnknown,
	}
}

func TestCreateAndGet(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "r1", got.ID)
			assert.Equal(t, types.StatusPending, got.Status)
			assert.Equal(t, "1:1", got.Parameters["aspect_ratio"])
			assert.False(t, got.CreatedAt.IsZero())

			// Duplicate IDs are rejected.
			assert.ErrorIs(t, s.Create(ctx, newRequest("r1")), ErrInvalidInput)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCreate_RejectsTerminalStatus(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			req := newRequest("r1")
			req.Status = types.StatusSuccess
			assert.ErrorIs(t, s.Create(context.Background(), req), ErrInvalidInput)
		})
	}
}

func TestUpdateStatus_HappyPath(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))

			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusProcessing, nil, ""))

			results := []types.Artifact{{Type: types.ArtifactImage, URL: "https://out.example/a.png"}}
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusSuccess, results, ""))

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, types.StatusSuccess, got.Status)
			require.Len(t, got.Results, 1)
			assert.Equal(t, "https://out.example/a.png", got.Results[0].URL)
			assert.NotNil(t, got.CompletedAt)
			assert.NoError(t, got.CheckInvariants())
		})
	}
}

func TestUpdateStatus_TerminalNeverRegresses(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusProcessing, nil, ""))
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusFailed, nil, "provider exploded"))

			// Any further transition is refused and the record is untouched.
			err := s.UpdateStatus(ctx, "r1", types.StatusProcessing, nil, "")
			assert.ErrorIs(t, err, ErrInvalidTransition)
			err = s.UpdateStatus(ctx, "r1", types.StatusSuccess, []types.Artifact{{URL: "x"}}, "")
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, types.StatusFailed, got.Status)
			assert.Equal(t, "provider exploded", got.ErrorMessage)
		})
	}
}

func TestUpdateStatus_RejectsInconsistentWrites(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusProcessing, nil, ""))

			// success without results
			assert.ErrorIs(t, s.UpdateStatus(ctx, "r1", types.StatusSuccess, nil, ""), ErrInvalidInput)
			// failed without message
			assert.ErrorIs(t, s.UpdateStatus(ctx, "r1", types.StatusFailed, nil, ""), ErrInvalidInput)
			// processing with results
			assert.ErrorIs(t, s.UpdateStatus(ctx, "r1", types.StatusCancelled,
				[]types.Artifact{{URL: "x"}}, ""), ErrInvalidInput)
		})
	}
}

func TestUpdateProgress(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusProcessing, nil, ""))

			require.NoError(t, s.UpdateProgress(ctx, "r1", 55))
			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 55, got.Progress)

			// Stale progress against a terminal record is dropped, not an error.
			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusCancelled, nil, ""))
			require.NoError(t, s.UpdateProgress(ctx, "r1", 99))
			got, err = s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 55, got.Progress)

			assert.ErrorIs(t, s.UpdateProgress(ctx, "missing", 10), ErrNotFound)
		})
	}
}

func TestSetProviderTask(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))

			require.NoError(t, s.SetProviderTask(ctx, "r1", "task-77"))
			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "task-77", got.ProviderTaskID)

			assert.ErrorIs(t, s.SetProviderTask(ctx, "r1", ""), ErrInvalidInput)
			assert.ErrorIs(t, s.SetProviderTask(ctx, "missing", "t"), ErrNotFound)
		})
	}
}

func TestAttachPayloads_WriteOnce(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))

			require.NoError(t, s.AttachPayloads(ctx, "r1", []byte(`{"a":1}`), []byte(`{"b":2}`)))
			got, err := s.Get(ctx, "r1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(got.RequestPayload))
			assert.JSONEq(t, `{"b":2}`, string(got.ResponsePayload))

			err = s.AttachPayloads(ctx, "r1", []byte(`{}`), []byte(`{}`))
			assert.ErrorIs(t, err, ErrPayloadExists)
		})
	}
}

func TestSoftDelete_OnlyTerminal(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Create(ctx, newRequest("r1")))

			// Non-terminal records cannot be deleted.
			assert.ErrorIs(t, s.SoftDelete(ctx, "r1"), ErrNotTerminal)

			require.NoError(t, s.UpdateStatus(ctx, "r1", types.StatusCancelled, nil, ""))
			require.NoError(t, s.SoftDelete(ctx, "r1"))

			// Deleted records disappear from reads and writes.
			_, err := s.Get(ctx, "r1")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.SoftDelete(ctx, "r1"), ErrNotFound)
			assert.ErrorIs(t, s.UpdateStatus(ctx, "r1", types.StatusFailed, nil, "x"), ErrNotFound)
		})
	}
}

func TestList_FiltersAndOrder(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r1 := newRequest("r1")
			r1.CreatedAt = time.Now().Add(-2 * time.Hour)
			require.NoError(t, s.Create(ctx, r1))

			r2 := newRequest("r2")
			r2.ProviderID = "runway"
			r2.CreatedAt = time.Now().Add(-1 * time.Hour)
			require.NoError(t, s.Create(ctx, r2))

			r3 := newRequest("r3")
			require.NoError(t, s.Create(ctx, r3))

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "r3", all[0].ID, "newest first")

			byProvider, err := s.List(ctx, Filter{ProviderID: "runway"})
			require.NoError(t, err)
			require.Len(t, byProvider, 1)
			assert.Equal(t, "r2", byProvider[0].ID)

			limited, err := s.List(ctx, Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestListRecoverable(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			pending := newRequest("r1")
			pending.CreatedAt = time.Now().Add(-time.Hour)
			require.NoError(t, s.Create(ctx, pending))

			processing := newRequest("r2")
			require.NoError(t, s.Create(ctx, processing))
			require.NoError(t, s.UpdateStatus(ctx, "r2", types.StatusProcessing, nil, ""))

			done := newRequest("r3")
			require.NoError(t, s.Create(ctx, done))
			require.NoError(t, s.UpdateStatus(ctx, "r3", types.StatusFailed, nil, "boom"))

			recoverable, err := s.ListRecoverable(ctx)
			require.NoError(t, err)
			require.Len(t, recoverable, 2)
			assert.Equal(t, "r1", recoverable[0].ID, "oldest first")
			assert.Equal(t, "r2", recoverable[1].ID)
		})
	}
}

func TestCleanup(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Create(ctx, newRequest("old")))
			require.NoError(t, s.UpdateStatus(ctx, "old", types.StatusCancelled, nil, ""))

			require.NoError(t, s.Create(ctx, newRequest("live")))

			// Nothing is old enough yet.
			n, err := s.Cleanup(ctx, time.Hour)
			require.NoError(t, err)
			assert.Zero(t, n)

			// With a zero horizon the terminal record goes; the live one stays.
			time.Sleep(5 * time.Millisecond)
			n, err = s.Cleanup(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, err = s.Get(ctx, "old")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Get(ctx, "live")
			assert.NoError(t, err)
		})
	}
}

func TestStats(t *testing.T) {
	for name, s := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Create(ctx, newRequest("r1")))
			require.NoError(t, s.Create(ctx, newRequest("r2")))
			require.NoError(t, s.UpdateStatus(ctx, "r2", types.StatusProcessing, nil, ""))
			require.NoError(t, s.Create(ctx, newRequest("r3")))
			require.NoError(t, s.UpdateStatus(ctx, "r3", types.StatusCancelled, nil, ""))
			require.NoError(t, s.SoftDelete(ctx, "r3"))

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, stats.Total)
			assert.Equal(t, 1, stats.Deleted)
			assert.Equal(t, 1, stats.ByStatus[string(types.StatusPending)])
			assert.Equal(t, 1, stats.ByStatus[string(types.StatusProcessing)])
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Create(ctx, newRequest("r1")), ErrStoreClosed)
	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newRequest("r1")))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got.Parameters["aspect_ratio"] = "16:9"
	got.Prompt = "mutated"

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "1:1", again.Parameters["aspect_ratio"])
	assert.Equal(t, "a red door", again.Prompt)
}
