// Package config loads service configuration from a YAML file with
// environment variable overrides. Precedence: defaults, then YAML, then
// environment.
//
// Usage:
//
//	cfg, err := config.Load("config.yaml")
//
// Environment overrides use the MEDIAFLOW prefix and the struct's env
// tags, e.g. MEDIAFLOW_SERVER_ADDR or MEDIAFLOW_PROVIDER_FLUX_API_KEY.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forgeml/mediaflow/dispatch"
	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/store"
	"github.com/forgeml/mediaflow/types"
)

const envPrefix = "MEDIAFLOW"

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig              `yaml:"server" env:"SERVER"`
	Log      LogConfig                 `yaml:"log" env:"LOG"`
	Store    StoreConfig               `yaml:"store" env:"STORE"`
	Dispatch dispatch.Config           `yaml:"dispatch"`
	Transfer TransferConfig            `yaml:"transfer" env:"TRANSFER"`
	Cleanup  CleanupConfig             `yaml:"cleanup" env:"CLEANUP"`
	Provider map[string]ProviderConfig `yaml:"providers"`
	Models   []types.ModelSpec         `yaml:"models"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend  store.Backend        `yaml:"backend" env:"BACKEND"`
	Database store.DatabaseConfig `yaml:"database"`
	Redis    store.RedisConfig    `yaml:"redis"`
}

// TransferConfig configures durable artifact storage. An empty Dir
// disables transfer; provider URLs pass through unchanged.
type TransferConfig struct {
	Dir     string `yaml:"dir" env:"DIR"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
}

// CleanupConfig schedules periodic removal of old terminal records.
type CleanupConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	MaxAge   time.Duration `yaml:"max_age" env:"MAX_AGE"`
}

// ProviderConfig holds one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:  store.BackendMemory,
			Database: store.DatabaseConfig{Driver: "sqlite", DSN: "mediaflow.db"},
			Redis:    store.RedisConfig{Addr: "localhost:6379"},
		},
		Cleanup: CleanupConfig{
			Enabled:  true,
			Interval: time.Hour,
			MaxAge:   7 * 24 * time.Hour,
		},
		Provider: map[string]ProviderConfig{},
	}
}

// Load reads the YAML file at path (optional; empty path skips the
// file), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(reflect.ValueOf(cfg).Elem(), envPrefix)
	applyProviderEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for i, m := range c.Models {
		if m.ProviderID == "" || m.ModelID == "" {
			return fmt.Errorf("models[%d]: provider_id and model_id are required", i)
		}
		if !m.Adapter.Known() {
			return fmt.Errorf("models[%d]: unknown adapter kind %q", i, m.Adapter)
		}
		if _, ok := c.Provider[string(m.Adapter)]; !ok {
			return fmt.Errorf("models[%d]: adapter %q has no provider credentials configured", i, m.Adapter)
		}
	}
	return nil
}

// AdapterConfigs maps configured providers into adapter base configs.
func (c *Config) AdapterConfigs() map[types.AdapterKind]providers.BaseConfig {
	out := make(map[types.AdapterKind]providers.BaseConfig, len(c.Provider))
	for name, p := range c.Provider {
		kind := types.AdapterKind(name)
		if !kind.Known() {
			continue
		}
		out[kind] = providers.BaseConfig{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: p.Timeout,
		}
	}
	return out
}

// applyEnv walks the struct and overrides fields carrying env tags.
func applyEnv(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			if tag != "" {
				applyEnv(fv, prefix+"_"+tag)
			}
			continue
		}
		if tag == "" || !fv.CanSet() {
			continue
		}

		raw, ok := os.LookupEnv(prefix + "_" + tag)
		if !ok {
			continue
		}
		setFromString(fv, raw)
	}
}

// applyProviderEnv overrides provider credentials from flat variables
// like MEDIAFLOW_PROVIDER_FLUX_API_KEY, so secrets stay out of the file.
func applyProviderEnv(cfg *Config) {
	for _, kind := range []string{"openai", "flux", "runway", "kling", "minimax"} {
		base := envPrefix + "_PROVIDER_" + strings.ToUpper(kind)
		p := cfg.Provider[kind]
		changed := false

		if v, ok := os.LookupEnv(base + "_API_KEY"); ok {
			p.APIKey = v
			changed = true
		}
		if v, ok := os.LookupEnv(base + "_BASE_URL"); ok {
			p.BaseURL = v
			changed = true
		}
		if v, ok := os.LookupEnv(base + "_MODEL"); ok {
			p.Model = v
			changed = true
		}
		if changed {
			cfg.Provider[kind] = p
		}
	}
}

func setFromString(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(raw); err == nil {
				fv.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	}
}
