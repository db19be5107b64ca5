package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/RoboMaroof/ragserver/apperr"
)

// ResilienceConfig bounds how hard a generator is tried.
type ResilienceConfig struct {
	Timeout          time.Duration // per attempt
	Retries          int           // extra attempts after the first
	Backoff          time.Duration // multiplied by the attempt number
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open
}

// DefaultResilience is used for zero fields.
var DefaultResilience = ResilienceConfig{
	Timeout:          60 * time.Second,
	Retries:          2,
	Backoff:          500 * time.Millisecond,
	FailureThreshold: 5,
	OpenTimeout:      30 * time.Second,
}

// Resilient wraps a Client with a per-attempt timeout, a small fixed number
// of retries and a circuit breaker. Final failures are reported as
// apperr.ErrGeneratorUnavailable.
type Resilient struct {
	next    Client
	name    string
	cfg     ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	// OnResult observes every finished call ("ok", "error", "open", "cancelled").
	OnResult func(outcome string)
}

// NewResilient wraps next. name identifies the breaker in logs.
func NewResilient(next Client, name string, cfg ResilienceConfig, log *zap.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultResilience.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultResilience.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultResilience.OpenTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	r := &Resilient{next: next, name: name, cfg: cfg, log: log}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("generator breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return r
}

// Call runs req with retries.
func (r *Resilient) Call(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, time.Duration(attempt)*r.cfg.Backoff); err != nil {
				return nil, r.finish(ctx, err)
			}
		}
		out, err := r.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			defer cancel()
			return r.next.Call(callCtx, req)
		})
		if err == nil {
			r.observe("ok")
			return out.(*Response), nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		r.log.Warn("generator call failed, retrying",
			zap.String("generator", r.name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, r.finish(ctx, lastErr)
}

// Stream is passed through the breaker without retries, since chunks may
// already have reached the caller.
func (r *Resilient) Stream(ctx context.Context, req Request, ch chan<- StreamChunk) error {
	called := false
	_, err := r.breaker.Execute(func() (interface{}, error) {
		called = true
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		return nil, r.next.Stream(callCtx, req, ch)
	})
	if !called {
		// rejected by the breaker; the inner client never closed ch
		close(ch)
	}
	if err != nil {
		return r.finish(ctx, err)
	}
	r.observe("ok")
	return nil
}

func (r *Resilient) finish(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		r.observe("cancelled")
		return apperr.FromContext(ctx, err)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.observe("open")
	} else {
		r.observe("error")
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrGeneratorUnavailable, r.name, err)
}

func (r *Resilient) observe(outcome string) {
	if r.OnResult != nil {
		r.OnResult(outcome)
	}
}

// retryable reports whether err is worth another attempt: network failures,
// per-attempt timeouts, 429 and 5xx answers.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
