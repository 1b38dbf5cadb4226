package telephony

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// RetryPolicy bounds retries of outbound provider RPCs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// AttemptTimeout caps a single RPC. Zero leaves the caller's deadline alone.
	AttemptTimeout time.Duration

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each retry with the error that caused it.
	OnRetry func(op string, attempt int, err error)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 4
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 200 * time.Millisecond
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = 5 * time.Second
	}
	if out.Sleep == nil {
		out.Sleep = sleepCtx
	}
	return out
}

// Backoff returns the delay before retry number attempt (1-based), with up to 20% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}

// WithRetry decorates p so that originate, answer, hangup and signal calls
// are retried on transient failures. Webhook handling is passed through.
func WithRetry(p Provider, policy RetryPolicy) Provider {
	return &retrying{Provider: p, policy: policy.withDefaults()}
}

type retrying struct {
	Provider
	policy RetryPolicy
}

func (r *retrying) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	var res OriginateResult
	attempts, err := r.do(ctx, "originate", func(ctx context.Context) error {
		var err error
		res, err = r.Provider.Originate(ctx, req)
		return err
	})
	res.Attempts = attempts
	return res, err
}

func (r *retrying) Answer(ctx context.Context, callID string) error {
	_, err := r.do(ctx, "answer", func(ctx context.Context) error {
		return r.Provider.Answer(ctx, callID)
	})
	return err
}

func (r *retrying) Hangup(ctx context.Context, callID string) error {
	_, err := r.do(ctx, "hangup", func(ctx context.Context) error {
		return r.Provider.Hangup(ctx, callID)
	})
	return err
}

func (r *retrying) SendSignal(ctx context.Context, callID string, sig Signal) error {
	_, err := r.do(ctx, "signal", func(ctx context.Context) error {
		return r.Provider.SendSignal(ctx, callID, sig)
	})
	return err
}

func (r *retrying) do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 1; ; attempt++ {
		err = r.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !IsTransient(err) || attempt >= r.policy.MaxAttempts {
			return attempt, err
		}
		if r.policy.OnRetry != nil {
			r.policy.OnRetry(op, attempt, err)
		}
		if serr := r.policy.Sleep(ctx, r.policy.Backoff(attempt)); serr != nil {
			return attempt, errors.Join(err, serr)
		}
	}
}

func (r *retrying) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.policy.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, r.policy.AttemptTimeout)
	defer cancel()
	err := fn(actx)
	// Our own per-attempt deadline is a provider timeout, not a caller cancellation.
	if err != nil && actx.Err() != nil && ctx.Err() == nil && !errors.Is(err, ErrProviderUnavailable) {
		err = errors.Join(ErrProviderUnavailable, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
