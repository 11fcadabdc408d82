// Package factory selects the concrete adapter for a model spec. The
// constructor set is closed: new providers are added here, not
// registered at runtime, so an unknown kind always means a wiring bug.
package factory

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/providers/flux"
	"github.com/forgeml/mediaflow/providers/kling"
	"github.com/forgeml/mediaflow/providers/minimax"
	"github.com/forgeml/mediaflow/providers/openai"
	"github.com/forgeml/mediaflow/providers/runway"
	"github.com/forgeml/mediaflow/types"
)

type constructor func(cfg providers.BaseConfig, logger *zap.Logger) providers.Adapter

var constructors = map[types.AdapterKind]constructor{
	types.AdapterOpenAI: func(cfg providers.BaseConfig, l *zap.Logger) providers.Adapter {
		return openai.New(cfg, l)
	},
	types.AdapterFlux: func(cfg providers.BaseConfig, l *zap.Logger) providers.Adapter {
		return flux.New(cfg, l)
	},
	types.AdapterRunway: func(cfg providers.BaseConfig, l *zap.Logger) providers.Adapter {
		return runway.New(cfg, l)
	},
	types.AdapterKling: func(cfg providers.BaseConfig, l *zap.Logger) providers.Adapter {
		return kling.New(cfg, l)
	},
	types.AdapterMiniMax: func(cfg providers.BaseConfig, l *zap.Logger) providers.Adapter {
		return minimax.New(cfg, l)
	},
}

// Factory builds and caches adapters per kind. Adapters are stateless
// beyond their config, so one instance per kind is enough.
type Factory struct {
	mu      sync.Mutex
	configs map[types.AdapterKind]providers.BaseConfig
	cache   map[types.AdapterKind]providers.Adapter
	logger  *zap.Logger
}

// New creates a factory over the given per-kind configs.
func New(configs map[types.AdapterKind]providers.BaseConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		configs: configs,
		cache:   make(map[types.AdapterKind]providers.Adapter),
		logger:  logger,
	}
}

// Get returns the adapter for a kind. An unrecognized or unconfigured
// kind is an internal error, never a silent fallback.
func (f *Factory) Get(kind types.AdapterKind) (providers.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if a, ok := f.cache[kind]; ok {
		return a, nil
	}

	ctor, ok := constructors[kind]
	if !ok {
		f.logger.Error("no adapter registered for kind", zap.String("kind", string(kind)))
		return nil, types.NewError(types.ErrInternal,
			fmt.Sprintf("no adapter registered for kind %q", kind))
	}
	cfg, ok := f.configs[kind]
	if !ok {
		f.logger.Error("no credentials configured for kind", zap.String("kind", string(kind)))
		return nil, types.NewError(types.ErrInternal,
			fmt.Sprintf("adapter kind %q is not configured", kind))
	}

	a := ctor(cfg, f.logger.Named(string(kind)))
	f.cache[kind] = a
	return a, nil
}

// Kinds lists the adapter kinds this build knows how to construct.
func Kinds() []types.AdapterKind {
	kinds := make([]types.AdapterKind, 0, len(constructors))
	for k := range constructors {
		kinds = append(kinds, k)
	}
	return kinds
}
