package types

import (
	"time"
)

// Status is the lifecycle state of a GenerationRequest.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true if the status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a transition from s to next is legal.
// Transitions are monotonic: pending → processing → terminal, with
// cancellation allowed from any non-terminal state. A terminal state never
// regresses.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed || next == StatusCancelled
	case StatusProcessing:
		return next == StatusSuccess || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// ArtifactType identifies the media type of a generated artifact.
type ArtifactType string

const (
	ArtifactImage ArtifactType = "image"
	ArtifactVideo ArtifactType = "video"
	ArtifactAudio ArtifactType = "audio"
)

// Artifact is a single generated output.
type Artifact struct {
	Type     ArtifactType      `json:"type"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ProgressUnknown marks a request whose provider reports no progress.
const ProgressUnknown = -1

// GenerationRequest is the unit of work routed through the dispatch
// pipeline. The orchestrator owns all writes; adapters and the poller only
// ever return values.
type GenerationRequest struct {
	// ID is the opaque unique identifier.
	ID string `json:"id"`

	// ProviderID and ModelID are the routing snapshot taken at creation
	// time. Later configuration changes never alter a stored request.
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`

	// Prompt is the bounded text input.
	Prompt string `json:"prompt"`

	// InputImages holds absolute URLs or base64 data URIs, in order.
	InputImages []string `json:"input_images,omitempty"`

	// NumOutputs is the requested artifact count.
	NumOutputs int `json:"num_outputs"`

	// Parameters carries provider-agnostic keys (aspect_ratio, seed,
	// duration, ...). Unknown keys pass through opaquely.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Status follows the state machine above.
	Status Status `json:"status"`

	// Results is non-nil iff Status == StatusSuccess.
	Results []Artifact `json:"results,omitempty"`

	// ErrorMessage is non-empty iff Status == StatusFailed.
	ErrorMessage string `json:"error_message,omitempty"`

	// ProviderTaskID is set only by asynchronous adapters.
	ProviderTaskID string `json:"provider_task_id,omitempty"`

	// Progress is 0-100, or ProgressUnknown.
	Progress int `json:"progress"`

	// RequestPayload and ResponsePayload are write-once raw wire captures
	// kept for diagnostics.
	RequestPayload  []byte `json:"request_payload,omitempty"`
	ResponsePayload []byte `json:"response_payload,omitempty"`

	// ClientKeyHash and ClientKeyPrefix attribute the caller.
	ClientKeyHash   string `json:"client_key_hash,omitempty"`
	ClientKeyPrefix string `json:"client_key_prefix,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// DeletedAt marks soft deletion; only terminal requests may be deleted.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsTerminal returns true if the request reached a terminal state.
func (r *GenerationRequest) IsTerminal() bool { return r.Status.IsTerminal() }

// CheckInvariants verifies the results/error-message consistency rules.
// It returns nil when the entity is internally consistent.
func (r *GenerationRequest) CheckInvariants() error {
	if (r.Status == StatusSuccess) != (r.Results != nil) {
		return Errorf(ErrInternal, "request %s: results presence inconsistent with status %s", r.ID, r.Status)
	}
	if (r.Status == StatusFailed) != (r.ErrorMessage != "") {
		return Errorf(ErrInternal, "request %s: error message presence inconsistent with status %s", r.ID, r.Status)
	}
	if r.DeletedAt != nil && !r.Status.IsTerminal() {
		return Errorf(ErrInternal, "request %s: soft-deleted while non-terminal", r.ID)
	}
	return nil
}

// StatusView is the caller-facing read-only projection of a request.
type StatusView struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	Results        []Artifact `json:"results"`
	ErrorMessage   *string    `json:"error_message"`
	Progress       int        `json:"progress"`
	ProviderTaskID string     `json:"provider_task_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// View projects the request into its caller-facing shape.
func (r *GenerationRequest) View() StatusView {
	v := StatusView{
		ID:             r.ID,
		Status:         r.Status,
		Results:        r.Results,
		Progress:       r.Progress,
		ProviderTaskID: r.ProviderTaskID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if r.ErrorMessage != "" {
		msg := r.ErrorMessage
		v.ErrorMessage = &msg
	}
	return v
}
