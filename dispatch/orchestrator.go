// Package dispatch orchestrates the generation pipeline: validate,
// normalize, select an adapter, dispatch under retry, then either record
// the synchronous result or poll the provider job to completion. The
// orchestrator owns every status write; adapters and the poller only
// return values.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/forgeml/mediaflow/metrics"
	"github.com/forgeml/mediaflow/params"
	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/retry"
	"github.com/forgeml/mediaflow/store"
	"github.com/forgeml/mediaflow/transfer"
	"github.com/forgeml/mediaflow/types"
	"github.com/forgeml/mediaflow/validate"
)

// ErrNotCancellable is returned by Cancel on an already-terminal request.
var ErrNotCancellable = errors.New("request is already terminal")

// AdapterSource yields the adapter for a kind. *factory.Factory
// implements it.
type AdapterSource interface {
	Get(kind types.AdapterKind) (providers.Adapter, error)
}

// Registry resolves a provider/model pair to its capability schema.
type Registry struct {
	specs map[string]types.ModelSpec
}

// NewRegistry builds a registry from declared model specs.
func NewRegistry(specs []types.ModelSpec) *Registry {
	m := make(map[string]types.ModelSpec, len(specs))
	for _, s := range specs {
		m[s.ProviderID+"/"+s.ModelID] = s
	}
	return &Registry{specs: m}
}

// Lookup returns the model spec for a provider/model pair.
func (r *Registry) Lookup(providerID, modelID string) (types.ModelSpec, error) {
	spec, ok := r.specs[providerID+"/"+modelID]
	if !ok {
		return types.ModelSpec{}, types.Errorf(types.ErrInvalidRequest,
			"unknown model %s/%s", providerID, modelID)
	}
	return spec, nil
}

// Specs returns all registered specs.
func (r *Registry) Specs() []types.ModelSpec {
	out := make([]types.ModelSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent bounds simultaneously executing requests.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// RatePerSecond and RateBurst throttle provider dispatches globally.
	RatePerSecond float64 `yaml:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst"`

	Poller PollerConfig `yaml:"poller"`

	// DispatchRetry overrides the dispatch retry schedule; nil uses
	// retry.DefaultPolicy().
	DispatchRetry *retry.Policy `yaml:"-"`

	// TransferRetry overrides the artifact transfer schedule; nil uses
	// retry.LowLevelPolicy().
	TransferRetry *retry.Policy `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 32
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 20
	}
	return c
}

// Orchestrator routes generation requests end to end.
type Orchestrator struct {
	store    store.GenerationStore
	adapters AdapterSource
	registry *Registry
	transfer transfer.Transferrer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	poller  *poller

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. transferrer may be transfer.Noop{} when no
// durable storage is configured.
func New(st store.GenerationStore, adapters AdapterSource, reg *Registry,
	tr transfer.Transferrer, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Orchestrator {

	if logger == nil {
		logger = zap.NewNop()
	}
	if tr == nil {
		tr = transfer.Noop{}
	}
	cfg = cfg.withDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    st,
		adapters: adapters,
		registry: reg,
		transfer: tr,
		metrics:  m,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		poller:   newPoller(st, &cfg.Poller, m, logger.Named("poller")),
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// Submit validates, normalizes and persists a new request in the pending
// state. It does not dispatch; call Go or Execute with the returned ID.
func (o *Orchestrator) Submit(ctx context.Context, req *types.GenerationRequest) (*types.GenerationRequest, error) {
	spec, err := o.registry.Lookup(req.ProviderID, req.ModelID)
	if err != nil {
		return nil, err
	}
	if err := validate.Request(req, spec); err != nil {
		return nil, err
	}
	validate.Normalize(req, spec, func(in string) string {
		return params.NormalizeAspect(in, o.logger)
	})

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = types.StatusPending
	req.Progress = types.ProgressUnknown

	if err := o.store.Create(ctx, req); err != nil {
		return nil, err
	}

	o.logger.Info("request accepted",
		zap.String("id", req.ID),
		zap.String("provider", req.ProviderID),
		zap.String("model", req.ModelID))
	return req, nil
}

// Go executes a request in the background under the orchestrator's
// lifetime. Close waits for all spawned executions.
func (o *Orchestrator) Go(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Execute(o.baseCtx, id); err != nil {
			o.logger.Warn("background execution ended with error",
				zap.String("id", id), zap.Error(err))
		}
	}()
}

// Execute drives one persisted request to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}

	spec, err := o.registry.Lookup(req.ProviderID, req.ModelID)
	if err != nil {
		return o.fail(ctx, req, time.Now(), err)
	}
	adapter, err := o.adapters.Get(spec.Adapter)
	if err != nil {
		return o.fail(ctx, req, time.Now(), err)
	}

	started := time.Now()
	o.metrics.InFlightAdd(1)
	defer o.metrics.InFlightAdd(-1)

	if req.Status == types.StatusPending {
		if err := o.store.UpdateStatus(ctx, id, types.StatusProcessing, nil, ""); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Raced with an external cancel.
				return nil
			}
			return err
		}
		req.Status = types.StatusProcessing
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return o.fail(ctx, req, started, types.NewError(types.ErrTaskCancelled, "shutdown before dispatch").WithCause(err))
	}
	defer o.sem.Release(1)
	if err := o.limiter.Wait(ctx); err != nil {
		return o.fail(ctx, req, started, types.NewError(types.ErrTaskCancelled, "shutdown before dispatch").WithCause(err))
	}

	// Recovered jobs that already hold a provider handle skip straight
	// back into polling.
	if req.ProviderTaskID != "" {
		return o.finishAsync(ctx, adapter, req, spec, started, req.ProviderTaskID, 0)
	}

	base := o.cfg.DispatchRetry
	if base == nil {
		base = retry.DefaultPolicy()
	}
	policy := *base
	policy.OnRetry = func(attempt int, err error, _ time.Duration) {
		o.metrics.Retry(adapter.Name(), string(types.KindOf(err)))
	}
	retryer := retry.New(&policy, o.logger.Named("retry"))

	d, err := retry.Typed(retryer, ctx, func() (*providers.Dispatch, error) {
		return adapter.Dispatch(ctx, req)
	})
	if err != nil {
		o.metrics.Dispatch(adapter.Name(), "error")
		return o.fail(ctx, req, started, err)
	}
	o.metrics.Dispatch(adapter.Name(), "ok")

	if d.RawRequest != nil || d.RawResponse != nil {
		if err := o.store.AttachPayloads(ctx, id, d.RawRequest, d.RawResponse); err != nil &&
			!errors.Is(err, store.ErrPayloadExists) {
			o.logger.Warn("payload capture failed", zap.String("id", id), zap.Error(err))
		}
	}

	switch d.Kind {
	case providers.DispatchResult:
		return o.succeed(ctx, req, started, d.Artifacts)

	case providers.DispatchJob:
		if err := o.store.SetProviderTask(ctx, id, d.ProviderTaskID); err != nil {
			return o.fail(ctx, req, started, err)
		}
		return o.finishAsync(ctx, adapter, req, spec, started, d.ProviderTaskID, d.PollHint)

	default:
		return o.fail(ctx, req, started,
			types.Errorf(types.ErrInternal, "adapter returned unknown dispatch kind %q", d.Kind))
	}
}

func (o *Orchestrator) finishAsync(ctx context.Context, adapter providers.Adapter,
	req *types.GenerationRequest, spec types.ModelSpec, started time.Time,
	providerTaskID string, pollHint time.Duration) error {

	interval := pollHint
	if spec.PollInterval > 0 {
		interval = spec.PollInterval
	}

	outcome, err := o.poller.poll(ctx, adapter, req.ID, providerTaskID, interval)
	if err != nil {
		return o.fail(ctx, req, started, err)
	}
	if !outcome.Succeeded {
		return o.fail(ctx, req, started, types.NewError(types.ErrTaskFailed, outcome.ErrorDetail).WithProvider(adapter.Name()))
	}
	return o.succeed(ctx, req, started, outcome.Artifacts)
}

// succeed transfers artifacts to durable storage and records success.
// Transfer is retried per artifact; a persistently failing transfer
// keeps the provider URL rather than discarding a finished generation.
func (o *Orchestrator) succeed(ctx context.Context, req *types.GenerationRequest, started time.Time, artifacts []types.Artifact) error {
	policy := o.cfg.TransferRetry
	if policy == nil {
		policy = retry.LowLevelPolicy()
	}
	retryer := retry.New(policy, o.logger.Named("transfer"))

	stored := make([]types.Artifact, len(artifacts))
	for i, art := range artifacts {
		stored[i] = art
		url, err := retry.Typed(retryer, ctx, func() (string, error) {
			return o.transfer.Transfer(ctx, art.URL, req.ID)
		})
		if err != nil {
			o.logger.Warn("artifact transfer failed, keeping provider url",
				zap.String("id", req.ID), zap.Error(err))
			continue
		}
		stored[i].URL = url
	}
	if stored == nil {
		stored = []types.Artifact{}
	}

	if err := o.store.UpdateStatus(ctx, req.ID, types.StatusSuccess, stored, ""); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled while we were transferring; the terminal state wins.
			return nil
		}
		return err
	}
	o.metrics.Terminal(req.ProviderID, string(types.StatusSuccess), time.Since(started))
	o.logger.Info("request succeeded",
		zap.String("id", req.ID),
		zap.Int("artifacts", len(stored)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// fail records the terminal failure, folding cancellation into the
// cancelled state instead of failed.
func (o *Orchestrator) fail(ctx context.Context, req *types.GenerationRequest, started time.Time, cause error) error {
	status := types.StatusFailed
	msg := cause.Error()
	if types.KindOf(cause) == types.ErrTaskCancelled {
		status = types.StatusCancelled
		msg = ""
	}

	if err := o.store.UpdateStatus(ctx, req.ID, status, nil, msg); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return cause
		}
		o.logger.Error("terminal status write failed",
			zap.String("id", req.ID), zap.Error(err))
		return err
	}
	o.metrics.Terminal(req.ProviderID, string(status), time.Since(started))
	o.logger.Info("request finished",
		zap.String("id", req.ID),
		zap.String("status", string(status)),
		zap.String("kind", string(types.KindOf(cause))),
		zap.Error(cause))
	return cause
}

// Cancel marks a request cancelled and, when a provider handle exists,
// attempts a provider-side abort. The in-flight poller notices the
// stored status on its next tick.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	req, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return ErrNotCancellable
	}

	if err := o.store.UpdateStatus(ctx, id, types.StatusCancelled, nil, ""); err != nil {
		return err
	}
	o.metrics.Terminal(req.ProviderID, string(types.StatusCancelled), time.Since(req.CreatedAt))

	if req.ProviderTaskID != "" {
		spec, err := o.registry.Lookup(req.ProviderID, req.ModelID)
		if err == nil {
			if adapter, err := o.adapters.Get(spec.Adapter); err == nil {
				o.poller.tryCancel(ctx, adapter, req.ProviderTaskID)
			}
		}
	}
	return nil
}

// Recover re-enters every non-terminal request after a restart.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	reqs, err := o.store.ListRecoverable(ctx)
	if err != nil {
		return 0, err
	}
	for _, req := range reqs {
		o.logger.Info("recovering request",
			zap.String("id", req.ID),
			zap.String("status", string(req.Status)),
			zap.String("provider_task_id", req.ProviderTaskID))
		o.Go(req.ID)
	}
	return len(reqs), nil
}

// Close stops background executions and waits for them to drain.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}
