// Package providers defines the adapter contract every generation provider
// implements, plus the shared configuration and transport error
// classification they all lean on. Concrete adapters live in sub-packages;
// the orchestrator only ever sees this interface.
package providers

import (
	"context"
	"time"

	"github.com/forgeml/mediaflow/types"
)

// DispatchKind tags the two possible outcomes of a dispatch call.
type DispatchKind string

const (
	// DispatchResult means the provider completed synchronously and the
	// artifacts are final.
	DispatchResult DispatchKind = "result"

	// DispatchJob means the provider accepted the work and returned a job
	// handle to poll.
	DispatchJob DispatchKind = "job"
)

// Dispatch is the tagged union an adapter returns from Dispatch. Exactly
// one arm is populated, selected by Kind.
type Dispatch struct {
	Kind DispatchKind

	// Artifacts is set when Kind == DispatchResult.
	Artifacts []types.Artifact

	// ProviderTaskID and PollHint are set when Kind == DispatchJob.
	ProviderTaskID string
	PollHint       time.Duration

	// RawRequest and RawResponse are wire captures for the audit trail.
	// Adapters fill them; the orchestrator persists them.
	RawRequest  []byte
	RawResponse []byte
}

// JobStatus is one observation of an asynchronous provider job.
type JobStatus struct {
	// Terminal is true once the provider reports a final state.
	Terminal bool

	// Succeeded is meaningful only when Terminal is true.
	Succeeded bool

	// Artifacts is populated on successful completion.
	Artifacts []types.Artifact

	// Progress is 0-100, or types.ProgressUnknown when the provider does
	// not report progress.
	Progress int

	// ErrorDetail carries the provider's failure description verbatim.
	ErrorDetail string

	// Raw is the wire capture of the status response.
	Raw []byte
}

// Adapter is the per-provider dispatch/status contract. Implementations
// are stateless with respect to requests: they build wire payloads, call
// the provider, and translate responses. They never touch the store — the
// orchestrator owns every persisted write.
type Adapter interface {
	// Name returns the adapter's provider name.
	Name() string

	// Dispatch performs the provider call for a validated, normalized
	// request and returns either a terminal result or a job handle.
	// Failures are classified into the types taxonomy.
	Dispatch(ctx context.Context, req *types.GenerationRequest) (*Dispatch, error)

	// CheckStatus queries an asynchronous job. Synchronous adapters
	// return ErrStatusNotSupported.
	CheckStatus(ctx context.Context, providerTaskID string) (*JobStatus, error)

	// Cancel asks the provider to stop a job, best-effort. Adapters
	// without provider-side cancellation return ErrCancelNotSupported;
	// local termination never depends on it succeeding.
	Cancel(ctx context.Context, providerTaskID string) error
}

// Sentinel capability errors shared across adapters.
var (
	ErrStatusNotSupported = types.NewError(types.ErrInternal, "adapter does not support status checks")
	ErrCancelNotSupported = types.NewError(types.ErrInternal, "adapter does not support provider-side cancellation")
)
