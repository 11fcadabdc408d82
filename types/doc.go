// Package types defines the core entities shared across mediaflow: the
// GenerationRequest lifecycle, the error taxonomy that drives retry
// decisions, and the per-model capability schema.
package types
