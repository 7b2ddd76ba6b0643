package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
)

// RetryPolicyConfig configures bounded retries around ledger submissions.
type RetryPolicyConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep is injected by tests to avoid real backoff delays.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *zap.Logger
}

// RetryPolicy retries transient ledger failures with exponential backoff.
// Fatal failures surface immediately; idempotent rejections are reported as a
// pre-existing effect, not an error.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *zap.Logger
}

// RunResult reports how a retried operation concluded.
type RunResult struct {
	// AlreadyExists is true when the ledger classified the rejection as
	// idempotent: the target effect holds without this call changing state.
	AlreadyExists bool
	// Attempts is the number of calls issued, including the final one.
	Attempts int
}

// NewRetryPolicy constructs a policy, applying defaults for zero values.
func NewRetryPolicy(cfg RetryPolicyConfig) *RetryPolicy {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		sleep:       sleep,
		logger:      logger,
	}
}

// Run invokes op until it succeeds, fails fatally, or exhausts the attempt
// budget. Only transient classifications are retried; the delay doubles per
// attempt. On exhaustion the last transient error is returned.
func (p *RetryPolicy) Run(ctx context.Context, op func(ctx context.Context) error) (RunResult, error) {
	delay := p.baseDelay
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return RunResult{Attempts: attempt}, nil
		}

		switch Classify(err) {
		case ClassIdempotent:
			return RunResult{AlreadyExists: true, Attempts: attempt}, nil
		case ClassTransient:
			lastErr = err
			if attempt == p.maxAttempts {
				break
			}
			p.logger.Warn("transient ledger failure, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
				return RunResult{Attempts: attempt}, sleepErr
			}
			delay *= 2
		default:
			return RunResult{Attempts: attempt}, err
		}
	}

	return RunResult{Attempts: p.maxAttempts}, lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
