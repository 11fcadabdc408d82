package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/forgeml/mediaflow/metrics"
	"github.com/forgeml/mediaflow/providers"
	"github.com/forgeml/mediaflow/retry"
	"github.com/forgeml/mediaflow/store"
	"github.com/forgeml/mediaflow/types"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollTimeout  = 15 * time.Minute
	defaultMaxPolls     = 200
)

// PollerConfig bounds the polling loop.
type PollerConfig struct {
	// Timeout is the elapsed-time ceiling per job.
	Timeout time.Duration `yaml:"timeout"`

	// MaxPolls is the poll-count ceiling per job.
	MaxPolls int `yaml:"max_polls"`

	// Retry overrides the per-poll retry schedule; nil uses
	// retry.LowLevelPolicy().
	Retry *retry.Policy `yaml:"-"`
}

func (c *PollerConfig) withDefaults() PollerConfig {
	out := PollerConfig{Timeout: defaultPollTimeout, MaxPolls: defaultMaxPolls}
	if c == nil {
		return out
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.MaxPolls > 0 {
		out.MaxPolls = c.MaxPolls
	}
	out.Retry = c.Retry
	return out
}

// pollOutcome is the terminal result of a polling loop.
type pollOutcome struct {
	Succeeded   bool
	Artifacts   []types.Artifact
	ErrorDetail string
}

// poller drives one asynchronous job to a terminal state. It only reads
// the store (for progress writes and cooperative cancellation); terminal
// status writes belong to the orchestrator.
type poller struct {
	store   store.GenerationStore
	cfg     PollerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func newPoller(st store.GenerationStore, cfg *PollerConfig, m *metrics.Metrics, logger *zap.Logger) *poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &poller{store: st, cfg: cfg.withDefaults(), metrics: m, logger: logger}
}

// poll ticks the provider until the job lands. Each status check runs
// under the low-level retry schedule so a single flaky poll doesn't kill
// the job; hitting either ceiling fails the request with a task timeout.
func (p *poller) poll(ctx context.Context, adapter providers.Adapter, id, providerTaskID string, interval time.Duration) (*pollOutcome, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(p.cfg.Timeout)
	policy := p.cfg.Retry
	if policy == nil {
		policy = retry.LowLevelPolicy()
	}
	retryer := retry.New(policy, p.logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTaskCancelled, "polling aborted").WithCause(ctx.Err())
		case <-ticker.C:
		}

		// Cooperative cancellation: an external cancel flips the stored
		// status, and the loop notices on its next tick.
		if cancelled, err := p.externallyCancelled(ctx, id); err != nil {
			return nil, err
		} else if cancelled {
			p.tryCancel(ctx, adapter, providerTaskID)
			return nil, types.NewError(types.ErrTaskCancelled, "request cancelled while polling")
		}

		p.metrics.PollTick(adapter.Name())
		st, err := retry.Typed(retryer, ctx, func() (*providers.JobStatus, error) {
			return adapter.CheckStatus(ctx, providerTaskID)
		})
		if err != nil {
			// Retries are exhausted or the error was terminal.
			return nil, err
		}

		if st.Terminal {
			if st.Succeeded {
				return &pollOutcome{Succeeded: true, Artifacts: st.Artifacts}, nil
			}
			detail := st.ErrorDetail
			if detail == "" {
				detail = "provider reported failure without detail"
			}
			return &pollOutcome{ErrorDetail: detail}, nil
		}

		if st.Progress != types.ProgressUnknown {
			if err := p.store.UpdateProgress(ctx, id, st.Progress); err != nil && !errors.Is(err, store.ErrNotFound) {
				p.logger.Warn("progress write failed", zap.String("id", id), zap.Error(err))
			}
		}

		if attempt >= p.cfg.MaxPolls || time.Now().After(deadline) {
			p.tryCancel(ctx, adapter, providerTaskID)
			return nil, types.NewError(types.ErrTaskTimeout,
				fmt.Sprintf("job did not finish within %d polls / %s", p.cfg.MaxPolls, p.cfg.Timeout))
		}
	}
}

func (p *poller) externallyCancelled(ctx context.Context, id string) (bool, error) {
	req, err := p.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Record vanished under us; treat as cancellation.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return req.Status == types.StatusCancelled, nil
}

// tryCancel is best effort; adapters without cancel support are fine.
func (p *poller) tryCancel(ctx context.Context, adapter providers.Adapter, providerTaskID string) {
	if providerTaskID == "" {
		return
	}
	if err := adapter.Cancel(ctx, providerTaskID); err != nil &&
		!errors.Is(err, providers.ErrCancelNotSupported) {
		p.logger.Warn("provider-side cancel failed",
			zap.String("provider", adapter.Name()),
			zap.String("provider_task_id", providerTaskID),
			zap.Error(err))
	}
}
