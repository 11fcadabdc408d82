package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/forgeml/mediaflow/types"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore is a Redis-backed GenerationStore for distributed
// deployments. Each request is a JSON blob keyed by ID, with a sorted
// set over creation time and per-status index sets. Status writes run
// under WATCH so concurrent workers cannot regress a terminal record.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mediaflow:"
	}
	return &RedisStore{client: client, keyPrefix: prefix + "gen:"}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "mediaflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "gen:"}
}

func (s *RedisStore) dataKey(id string) string           { return s.keyPrefix + "data:" + id }
func (s *RedisStore) statusKey(st types.Status) string   { return s.keyPrefix + "status:" + string(st) }
func (s *RedisStore) allKey() string                     { return s.keyPrefix + "all" }

func (s *RedisStore) Create(ctx context.Context, req *types.GenerationRequest) error {
	if err := validateCreate(req); err != nil {
		return err
	}

	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	blob, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.dataKey(req.ID), blob, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidInput
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: float64(req.CreatedAt.UnixNano()), Member: req.ID})
	pipe.SAdd(ctx, s.statusKey(req.Status), req.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) load(ctx context.Context, id string) (*types.GenerationRequest, error) {
	blob, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req types.GenerationRequest
	if err := json.Unmarshal(blob, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*types.GenerationRequest, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return req, nil
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*types.GenerationRequest, error) {
	ids, err := s.client.ZRevRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var out []*types.GenerationRequest
	for _, id := range ids {
		req, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchesFilter(req, filter) {
			out = append(out, req)
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// mutate applies fn to a request under WATCH and rewrites it atomically.
// fn returning an error aborts without writing.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*types.GenerationRequest) error) error {
	key := s.dataKey(id)
	txn := func(tx *redis.Tx) error {
		blob, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var req types.GenerationRequest
		if err := json.Unmarshal(blob, &req); err != nil {
			return err
		}
		if req.DeletedAt != nil {
			return ErrNotFound
		}

		oldStatus := req.Status
		if err := fn(&req); err != nil {
			return err
		}
		req.UpdatedAt = time.Now()

		out, err := json.Marshal(&req)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if req.Status != oldStatus {
				pipe.SRem(ctx, s.statusKey(oldStatus), id)
				pipe.SAdd(ctx, s.statusKey(req.Status), id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < 3; i++ {
		err := s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status types.Status, results []types.Artifact, errMsg string) error {
	if err := validateStatusWrite(status, results, errMsg); err != nil {
		return err
	}
	return s.mutate(ctx, id, func(req *types.GenerationRequest) error {
		if !req.Status.CanTransition(status) {
			return ErrInvalidTransition
		}
		req.Status = status
		req.Results = results
		req.ErrorMessage = errMsg
		if status.IsTerminal() {
			now := time.Now()
			req.CompletedAt = &now
		}
		return nil
	})
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.mutate(ctx, id, func(req *types.GenerationRequest) error {
		if req.Status.IsTerminal() {
			return nil
		}
		req.Progress = progress
		return nil
	})
}

func (s *RedisStore) SetProviderTask(ctx context.Context, id, providerTaskID string) error {
	if providerTaskID == "" {
		return ErrInvalidInput
	}
	return s.mutate(ctx, id, func(req *types.GenerationRequest) error {
		req.ProviderTaskID = providerTaskID
		return nil
	})
}

func (s *RedisStore) AttachPayloads(ctx context.Context, id string, request, response []byte) error {
	return s.mutate(ctx, id, func(req *types.GenerationRequest) error {
		if req.RequestPayload != nil || req.ResponsePayload != nil {
			return ErrPayloadExists
		}
		req.RequestPayload = request
		req.ResponsePayload = response
		return nil
	})
}

func (s *RedisStore) SoftDelete(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(req *types.GenerationRequest) error {
		if !req.Status.IsTerminal() {
			return ErrNotTerminal
		}
		now := time.Now()
		req.DeletedAt = &now
		return nil
	})
}

func (s *RedisStore) ListRecoverable(ctx context.Context) ([]*types.GenerationRequest, error) {
	var out []*types.GenerationRequest
	for _, st := range []types.Status{types.StatusPending, types.StatusProcessing} {
		ids, err := s.client.SMembers(ctx, s.statusKey(st)).Result()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			req, err := s.load(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if req.DeletedAt == nil && !req.Status.IsTerminal() {
				out = append(out, req)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	terminal := []types.Status{types.StatusSuccess, types.StatusFailed, types.StatusCancelled}
	for _, st := range terminal {
		ids, err := s.client.SMembers(ctx, s.statusKey(st)).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			req, err := s.load(ctx, id)
			if errors.Is(err, ErrNotFound) {
				// Orphan index entry; drop it.
				s.client.SRem(ctx, s.statusKey(st), id)
				continue
			}
			if err != nil {
				return removed, err
			}
			if !req.UpdatedAt.Before(cutoff) {
				continue
			}
			pipe := s.client.Pipeline()
			pipe.Del(ctx, s.dataKey(id))
			pipe.SRem(ctx, s.statusKey(st), id)
			pipe.ZRem(ctx, s.allKey(), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int)}

	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		req, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.Total++
		if req.DeletedAt != nil {
			stats.Deleted++
			continue
		}
		stats.ByStatus[string(req.Status)]++
		if stats.OldestLive == nil || req.CreatedAt.Before(*stats.OldestLive) {
			created := req.CreatedAt
			stats.OldestLive = &created
		}
	}
	return stats, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ GenerationStore = (*RedisStore)(nil)
