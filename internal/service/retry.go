package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/kursadbilgin/cardmail-engine/internal/domain"
	"github.com/kursadbilgin/cardmail-engine/internal/observability"
	"github.com/kursadbilgin/cardmail-engine/internal/provider"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries    = 2
	defaultBaseDelay     = 500 * time.Millisecond
	defaultMaxDelay      = 10 * time.Second
	maxRetryJitterMillis = 100
)

// RetryPolicy bounds how often a transient external failure is retried.
// MaxRetries counts retries, so a stage makes at most MaxRetries+1 calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = defaultMaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	return p
}

type retrier struct {
	policy   RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error
	randIntn func(n int) int
	now      func() time.Time
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func newRetrier(policy RetryPolicy, logger *zap.Logger) *retrier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrier{
		policy:   policy.normalized(),
		sleep:    sleepWithContext,
		randIntn: rand.Intn,
		now:      time.Now,
		logger:   logger,
	}
}

// do calls fn with its own deadline and retries while the failure is
// transient and the outer context is alive.
func (r *retrier) do(ctx context.Context, stage domain.Stage, timeout time.Duration, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = r.call(ctx, stage, timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		if !provider.IsTransient(err) || attempt > r.policy.MaxRetries {
			return err
		}

		delay := r.delay(attempt)
		r.logger.Warn("transient failure, retrying",
			zap.String("stage", string(stage)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		r.metrics.IncStageRetry(string(stage))

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return errors.Join(err, sleepErr)
		}
	}
}

func (r *retrier) call(ctx context.Context, stage domain.Stage, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := r.now()
	err := fn(callCtx)
	r.metrics.ObserveStageDuration(string(stage), r.now().Sub(start))
	return err
}

func (r *retrier) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := r.policy.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.policy.MaxDelay {
			delay = r.policy.MaxDelay
			break
		}
	}

	jitterMillis := 0
	if r.randIntn != nil && maxRetryJitterMillis > 0 {
		jitterMillis = r.randIntn(maxRetryJitterMillis + 1)
	}

	return delay + time.Duration(jitterMillis)*time.Millisecond
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

// cardError builds the structured failure stored on a card.
func cardError(stage domain.Stage, err error, at time.Time) *domain.CardError {
	return &domain.CardError{
		Stage:     stage,
		Code:      domain.ErrorCode(err),
		Message:   err.Error(),
		Transient: provider.IsTransient(err),
		At:        at.UTC(),
	}
}
