// Package retry provides a standalone exponential-backoff policy that wraps
// any operation. It carries no call-site state; one Policy value can be shared.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy retries an operation with exponential backoff and jitter.
//
// Attempt n (1-based retry number) waits Base*Factor^(n-1), capped at Max,
// then scaled by a random factor in [1-Jitter, 1+Jitter].
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Factor     float64
	Jitter     float64

	// Retryable decides whether an error deserves another attempt.
	// nil retries everything except Permanent errors and context cancellation.
	Retryable func(error) bool

	mu  sync.Mutex
	rng *rand.Rand
}

// Default mirrors the publish-path defaults: 3 retries, 1s doubling to 30s.
func Default() *Policy {
	return &Policy{MaxRetries: 3, Base: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

func (p *Policy) withDefaults() (base, maxD time.Duration, factor, jitter float64) {
	base = p.Base
	if base <= 0 {
		base = time.Second
	}
	maxD = p.Max
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	factor = p.Factor
	if factor < 1 {
		factor = 2
	}
	jitter = p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return base, maxD, factor, jitter
}

func (p *Policy) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rng.Float64()
}

// Delay returns the wait before retry number n (1-based) after err.
// An AfterError hint replaces the exponential step but is still capped and jittered.
func (p *Policy) Delay(n int, err error) time.Duration {
	base, maxD, factor, jitter := p.withDefaults()

	d := base
	var ra AfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * factor)
			if d >= maxD {
				d = maxD
				break
			}
		}
	}
	if jitter > 0 && d > 0 {
		r := (p.float()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (p *Policy) retryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return true
}

// Do runs op until it succeeds, returns a non-retryable error,
// exhausts MaxRetries or ctx ends. The last error is returned unchanged.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is the value-returning form of Policy.Do.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		return op(ctx)
	}
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= p.MaxRetries || !p.retryable(err) {
			return v, err
		}
		t := time.NewTimer(p.Delay(attempt+1, err))
		select {
		case <-ctx.Done():
			t.Stop()
			return v, err
		case <-t.C:
		}
	}
}
