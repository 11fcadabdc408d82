// Package transfer copies provider-hosted artifacts to durable storage.
// Providers hand back short-lived signed URLs (flux links expire within
// minutes), so terminal results are re-homed before they are persisted.
package transfer

import (
	"context"

	"github.com/forgeml/mediaflow/types"
)

// Transferrer moves one artifact to durable storage and returns its new
// URL. Implementations classify failures as ErrS3UploadFailed so the
// retry engine treats them as transient.
type Transferrer interface {
	Transfer(ctx context.Context, sourceURL, keyPrefix string) (string, error)
}

// Noop passes source URLs through untouched. Used when no durable
// storage is configured; callers then live with provider URL expiry.
type Noop struct{}

func (Noop) Transfer(ctx context.Context, sourceURL, keyPrefix string) (string, error) {
	return sourceURL, nil
}

var _ Transferrer = Noop{}

// uploadError wraps a transfer failure in the retryable taxonomy kind.
func uploadError(msg string, cause error) *types.Error {
	return types.NewError(types.ErrS3UploadFailed, msg).WithCause(cause)
}
