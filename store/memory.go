package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forgeml/mediaflow/types"
)

// MemoryStore is an in-memory GenerationStore. Suitable for development
// and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	reqs   map[string]*types.GenerationRequest
	closed bool
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]*types.GenerationRequest)}
}

func (s *MemoryStore) Create(ctx context.Context, req *types.GenerationRequest) error {
	if err := validateCreate(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, exists := s.reqs[req.ID]; exists {
		return ErrInvalidInput
	}

	now := time.Now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now

	s.reqs[req.ID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*types.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*types.GenerationRequest
	for _, req := range s.reqs {
		if matchesFilter(req, filter) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status types.Status, results []types.Artifact, errMsg string) error {
	if err := validateStatusWrite(status, results, errMsg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	if !req.Status.CanTransition(status) {
		return ErrInvalidTransition
	}

	req.Status = status
	req.Results = results
	req.ErrorMessage = errMsg
	req.UpdatedAt = time.Now()
	if status.IsTerminal() {
		now := req.UpdatedAt
		req.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	// Progress on a terminal record is a stale poller write; drop it.
	if req.Status.IsTerminal() {
		return nil
	}
	req.Progress = progress
	req.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetProviderTask(ctx context.Context, id, providerTaskID string) error {
	if providerTaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	req.ProviderTaskID = providerTaskID
	req.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) AttachPayloads(ctx context.Context, id string, request, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	if req.RequestPayload != nil || req.ResponsePayload != nil {
		return ErrPayloadExists
	}
	req.RequestPayload = request
	req.ResponsePayload = response
	req.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	req, ok := s.reqs[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	if !req.Status.IsTerminal() {
		return ErrNotTerminal
	}
	now := time.Now()
	req.DeletedAt = &now
	req.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListRecoverable(ctx context.Context) ([]*types.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*types.GenerationRequest
	for _, req := range s.reqs {
		if req.DeletedAt == nil && !req.Status.IsTerminal() {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, req := range s.reqs {
		if req.Status.IsTerminal() && req.UpdatedAt.Before(cutoff) {
			delete(s.reqs, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{ByStatus: make(map[string]int)}
	for _, req := range s.reqs {
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

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func matchesFilter(req *types.GenerationRequest, f Filter) bool {
	if req.DeletedAt != nil && !f.IncludeDeleted {
		return false
	}
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.ProviderID != "" && req.ProviderID != f.ProviderID {
		return false
	}
	if f.ModelID != "" && req.ModelID != f.ModelID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !req.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !req.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// cloneRequest guards callers from mutating stored state through shared
// slices and maps.
func cloneRequest(req *types.GenerationRequest) *types.GenerationRequest {
	out := *req
	if req.InputImages != nil {
		out.InputImages = append([]string(nil), req.InputImages...)
	}
	if req.Results != nil {
		out.Results = append([]types.Artifact(nil), req.Results...)
	}
	if req.Parameters != nil {
		out.Parameters = make(map[string]any, len(req.Parameters))
		for k, v := range req.Parameters {
			out.Parameters[k] = v
		}
	}
	return &out
}

var _ GenerationStore = (*MemoryStore)(nil)
