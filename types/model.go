package types

import "time"

// AdapterKind is the closed set of adapter implementations. Model
// configuration names one of these; an unrecognized kind is a configuration
// error surfaced loudly at selection time, never a silent default.
type AdapterKind string

const (
	AdapterOpenAI  AdapterKind = "openai"
	AdapterFlux    AdapterKind = "flux"
	AdapterRunway  AdapterKind = "runway"
	AdapterKling   AdapterKind = "kling"
	AdapterMiniMax AdapterKind = "minimax"
)

// Known returns true if k names a built-in adapter.
func (k AdapterKind) Known() bool {
	switch k {
	case AdapterOpenAI, AdapterFlux, AdapterRunway, AdapterKling, AdapterMiniMax:
		return true
	default:
		return false
	}
}

// Range bounds a numeric parameter. Values outside the range are clamped
// during normalization rather than rejected.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// ModelSpec is the declared capability schema for one provider model.
// The validator enforces it before dispatch; adapters may assume a request
// that reaches them already satisfies its bounds.
type ModelSpec struct {
	ProviderID string      `json:"provider_id" yaml:"provider_id"`
	ModelID    string      `json:"model_id" yaml:"model_id"`
	Adapter    AdapterKind `json:"adapter" yaml:"adapter"`

	Output ArtifactType `json:"output" yaml:"output"`

	// MaxPromptLen bounds the prompt in runes; 0 means DefaultMaxPromptLen.
	MaxPromptLen int `json:"max_prompt_len,omitempty" yaml:"max_prompt_len,omitempty"`

	// MaxInputImages bounds the input image list; 0 means none accepted.
	MaxInputImages int `json:"max_input_images,omitempty" yaml:"max_input_images,omitempty"`

	// MaxOutputs bounds num_outputs; 0 means 1.
	MaxOutputs int `json:"max_outputs,omitempty" yaml:"max_outputs,omitempty"`

	// ParamRanges declares clamp bounds for known numeric parameters
	// (seed, duration, safety_tolerance, ...).
	ParamRanges map[string]Range `json:"param_ranges,omitempty" yaml:"param_ranges,omitempty"`

	// PollInterval overrides the adapter's suggested poll interval.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// DefaultMaxPromptLen is used when a model declares no prompt bound.
const DefaultMaxPromptLen = 10000

// PromptLimit returns the effective prompt bound.
func (m ModelSpec) PromptLimit() int {
	if m.MaxPromptLen > 0 {
		return m.MaxPromptLen
	}
	return DefaultMaxPromptLen
}

// OutputLimit returns the effective num_outputs bound.
func (m ModelSpec) OutputLimit() int {
	if m.MaxOutputs > 0 {
		return m.MaxOutputs
	}
	return 1
}
