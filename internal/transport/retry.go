package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/solana-foundation/connectorkit-sub004/pkg/models"
	"golang.org/x/time/rate"
)

// Policy is the request timeout and retry policy applied to every request.
type Policy struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int           // total attempts, including the first
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64 // randomization factor in [0,1]

	Logger *slog.Logger
}

// DefaultPolicy returns a 30s timeout, two attempts and jittered backoff.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     30 * time.Second,
		MaxAttempts: 2,
		BackoffBase: 250 * time.Millisecond,
		BackoffMax:  2 * time.Second,
		Jitter:      0.5,
	}
}

type retrying struct {
	next   Transport
	policy Policy
	logger *slog.Logger
}

// Retry wraps t so that every request gets a per-attempt timeout and
// transient failures are retried with exponential backoff.
func Retry(t Transport, p Policy) Transport {
	def := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = p.BackoffBase
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{
		next:   t,
		policy: p,
		logger: logger.With("component", "transport_retry"),
	}
}

func (r *retrying) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.BackoffBase
	eb.MaxInterval = r.policy.BackoffMax
	eb.RandomizationFactor = r.policy.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)
}

func (r *retrying) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var (
		result  json.RawMessage
		attempt int
	)
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		res, err := r.next.Request(actx, method, params...)
		if err == nil {
			result = res
			return nil
		}
		if ctx.Err() != nil || !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("request attempt failed",
			"method", method,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, r.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

type limited struct {
	next    Transport
	limiter *rate.Limiter
}

// RateLimit throttles t to rps requests per second with the given burst.
// rps <= 0 returns t unchanged.
func RateLimit(t Transport, rps float64, burst int) Transport {
	if rps <= 0 {
		return t
	}
	if burst <= 0 {
		burst = 1
	}
	return &limited{next: t, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *limited) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, models.TransportError(method, ctx.Err())
		}
		return nil, models.TransportError(method, fmt.Errorf("%w: %v", models.ErrRateLimited, err))
	}
	return l.next.Request(ctx, method, params...)
}
