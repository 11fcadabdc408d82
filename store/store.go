// Package store persists generation requests across restarts. All
// implementations enforce the status state machine at the write path:
// an illegal transition is rejected no matter which caller attempts it,
// so a crashed poller or a racing cancel can never regress a terminal
// record.
//
// Supported backends:
// - Memory: for development and testing (default)
// - Database: gorm over sqlite/mysql/postgres for single-writer deployments
// - Redis: for distributed deployments
package store

import (
	"context"
	"errors"
	"time"

	"github.com/forgeml/mediaflow/types"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrStoreClosed       = errors.New("store is closed")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotTerminal       = errors.New("request is not terminal")
	ErrPayloadExists     = errors.New("payload already attached")
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendDatabase Backend = "database"
	BackendRedis    Backend = "redis"
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status     types.Status
	ProviderID string
	ModelID    string

	// CreatedAfter / CreatedBefore bound the creation time.
	CreatedAfter  time.Time
	CreatedBefore time.Time

	// IncludeDeleted also returns soft-deleted records.
	IncludeDeleted bool

	// Limit bounds the result set; 0 means no limit.
	Limit int
}

// Stats summarizes the store contents.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	Deleted    int            `json:"deleted"`
	OldestLive *time.Time     `json:"oldest_live,omitempty"`
}

// GenerationStore persists generation requests with recovery support
// after service restart.
type GenerationStore interface {
	// Create persists a new request. The record must carry an ID and a
	// non-terminal initial status.
	Create(ctx context.Context, req *types.GenerationRequest) error

	// Get retrieves a request by ID. Soft-deleted records return
	// ErrNotFound.
	Get(ctx context.Context, id string) (*types.GenerationRequest, error)

	// List retrieves requests matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*types.GenerationRequest, error)

	// UpdateStatus moves a request through the state machine. results
	// must be non-nil exactly when status is success; errMsg non-empty
	// exactly when status is failed. An illegal transition returns
	// ErrInvalidTransition and leaves the record untouched.
	UpdateStatus(ctx context.Context, id string, status types.Status, results []types.Artifact, errMsg string) error

	// UpdateProgress records provider-reported progress (0-100).
	UpdateProgress(ctx context.Context, id string, progress int) error

	// SetProviderTask records the provider-side task handle after an
	// asynchronous dispatch.
	SetProviderTask(ctx context.Context, id, providerTaskID string) error

	// AttachPayloads stores the raw wire captures. Payloads are
	// write-once: a second attach returns ErrPayloadExists.
	AttachPayloads(ctx context.Context, id string, request, response []byte) error

	// SoftDelete hides a terminal request from reads. Deleting a
	// non-terminal request returns ErrNotTerminal.
	SoftDelete(ctx context.Context, id string) error

	// ListRecoverable returns non-terminal requests that need to be
	// resumed after a restart.
	ListRecoverable(ctx context.Context) ([]*types.GenerationRequest, error)

	// Cleanup hard-removes terminal requests older than the duration.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns store-wide counters.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases backing resources.
	Close() error
}

// validateCreate is shared by all backends.
func validateCreate(req *types.GenerationRequest) error {
	if req == nil || req.ID == "" {
		return ErrInvalidInput
	}
	if req.Status == "" {
		req.Status = types.StatusPending
	}
	if req.Status.IsTerminal() {
		return ErrInvalidInput
	}
	return nil
}

// validateStatusWrite checks the results/error-message pairing before
// any backend applies it.
func validateStatusWrite(status types.Status, results []types.Artifact, errMsg string) error {
	if (status == types.StatusSuccess) != (results != nil) {
		return ErrInvalidInput
	}
	if (status == types.StatusFailed) != (errMsg != "") {
		return ErrInvalidInput
	}
	return nil
}
