package providers

import (
	"net/http"
	"time"
)

// BaseConfig carries the fields every adapter needs. Concrete adapters
// embed it and add provider-specific knobs.
type BaseConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultTimeout bounds a single provider HTTP call. Job completion is
// governed separately by the poller's ceiling.
const DefaultTimeout = 120 * time.Second

// HTTPClient builds the per-adapter client with the configured per-call
// deadline.
func (c BaseConfig) HTTPClient() *http.Client {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
