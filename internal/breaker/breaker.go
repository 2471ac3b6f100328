// Package breaker implements a three-state circuit breaker for calls to an
// unreliable dependency.
//
// The open to half-open transition is pull-based: it is evaluated only when a
// call is attempted after the recovery timeout, never by a background timer.
// A breaker that receives no calls stays open indefinitely, and Status reports
// it as open until the next attempt.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// OpenError is returned without running the operation when the breaker does not admit a call.
type OpenError struct {
	Name  string
	State State
	Wait  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is %s, retry in %s", e.Name, e.State, e.Wait.Round(time.Millisecond))
}

// IsOpen reports whether err came from a breaker refusing a call.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	return c
}

// Transition describes a state change, delivered to the OnStateChange hook.
type Transition struct {
	Name     string
	From     State
	To       State
	Failures int
	At       time.Time
	Cause    error
}

// Operation is the single deferred computation a breaker runs.
type Operation[T any] func(ctx context.Context) (T, error)

type Breaker struct {
	name string

	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	probes      int

	now       func() time.Time
	isFailure func(error) bool
	onChange  func(Transition)
}

type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithFailureFilter sets which errors count against the breaker.
// Errors for which fn returns false pass through without touching state.
func WithFailureFilter(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// OnStateChange registers a hook invoked after every transition, outside the lock.
func OnStateChange(fn func(Transition)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// DefaultFailureFilter tracks every error except caller cancellation.
// A deadline is a regular failure.
func DefaultFailureFilter(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		cfg:       cfg.withDefaults(),
		state:     StateClosed,
		now:       time.Now,
		isFailure: DefaultFailureFilter,
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

// Apply updates thresholds; current state and counters are kept.
func (b *Breaker) Apply(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) remainingLocked(now time.Time) time.Duration {
	if b.state != StateOpen {
		return 0
	}
	d := b.cfg.RecoveryTimeout - now.Sub(b.lastFailure)
	if d < 0 {
		return 0
	}
	return d
}

// setStateLocked moves to next and returns the transition to publish, if any.
func (b *Breaker) setStateLocked(next State, now time.Time, cause error) *Transition {
	if b.state == next {
		return nil
	}
	tr := &Transition{Name: b.name, From: b.state, To: next, At: now, Cause: cause}
	b.state = next
	b.probes = 0
	if next == StateClosed {
		b.failures = 0
	}
	tr.Failures = b.failures
	return tr
}

func (b *Breaker) fire(tr *Transition) {
	if tr != nil && b.onChange != nil {
		b.onChange(*tr)
	}
}

// admit decides whether a call may proceed, performing the lazy open to
// half-open move when the recovery timeout has elapsed.
func (b *Breaker) admit() (*Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var tr *Transition
	if b.state == StateOpen && b.remainingLocked(now) == 0 {
		tr = b.setStateLocked(StateHalfOpen, now, nil)
	}

	switch b.state {
	case StateClosed:
		return tr, nil
	case StateHalfOpen:
		if b.probes < b.cfg.HalfOpenMaxCalls {
			b.probes++
			return tr, nil
		}
		// Probe quota used: block as if open, until a probe resolves.
		return tr, &OpenError{Name: b.name, State: StateHalfOpen, Wait: 0}
	default:
		return tr, &OpenError{Name: b.name, State: StateOpen, Wait: b.remainingLocked(now)}
	}
}

func (b *Breaker) record(err error) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if err == nil {
		b.successes++
		switch b.state {
		case StateHalfOpen:
			return b.setStateLocked(StateClosed, now, nil)
		case StateClosed:
			b.failures = 0
		}
		return nil
	}

	b.failures++
	b.lastFailure = now
	switch b.state {
	case StateHalfOpen:
		return b.setStateLocked(StateOpen, now, err)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			return b.setStateLocked(StateOpen, now, err)
		}
	}
	return nil
}

// Execute runs op through the breaker.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op through b and returns its result unchanged.
//
// When b refuses the call, op does not run and the error is *OpenError.
// A tracked failure is counted and returned as-is; an untracked one
// passes through without affecting state. Admission and recording each
// hold the lock; op itself runs unlocked and may block.
//
// A panic in op counts as a failure and is then re-raised.
func Call[T any](ctx context.Context, b *Breaker, op Operation[T]) (T, error) {
	var zero T
	tr, err := b.admit()
	b.fire(tr)
	if err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.fire(b.record(fmt.Errorf("panic: %v", r)))
			panic(r)
		}
	}()
	v, opErr := op(ctx)
	switch {
	case opErr == nil:
		b.fire(b.record(nil))
	case b.isFailure(opErr):
		b.fire(b.record(opErr))
	default:
		b.release()
	}
	return v, opErr
}

// release returns an unused probe slot after an untracked error.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

// Status is a snapshot for operators.
type Status struct {
	Name             string        `json:"name"`
	State            State         `json:"state"`
	Failures         int           `json:"failure_count"`
	Successes        int           `json:"success_count"`
	FailureThreshold int           `json:"failure_threshold"`
	Remaining        time.Duration `json:"remaining"`
	ProbesUsed       int           `json:"half_open_calls"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	LastFailure      time.Time     `json:"last_failure,omitempty"`
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:             b.name,
		State:            b.state,
		Failures:         b.failures,
		Successes:        b.successes,
		FailureThreshold: b.cfg.FailureThreshold,
		Remaining:        b.remainingLocked(b.now()),
		ProbesUsed:       b.probes,
		HalfOpenMaxCalls: b.cfg.HalfOpenMaxCalls,
		LastFailure:      b.lastFailure,
	}
}

// State returns the stored state. It does not perform the lazy transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setStateLocked(StateClosed, b.now(), nil)
	b.failures = 0
	b.successes = 0
	b.probes = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	b.fire(tr)
}
