// Package ratelimit enforces publish ceilings over rolling hour and day windows.
//
// Each window keeps the exact timestamps of recent publishes and purges the
// ones older than its horizon from the front, so the limit slides with time
// instead of resetting on bucket boundaries.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Window names the horizon that blocked a publish.
type Window string

const (
	Hourly Window = "hourly"
	Daily  Window = "daily"
)

const (
	DefaultPerHour          = 15
	DefaultPerDay           = 50
	DefaultWarningThreshold = 0.8
)

// LimitError is returned by CheckAndRecord when a ceiling is reached.
type LimitError struct {
	Window Window
	Wait   time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry in %s", e.Window, e.Wait.Round(time.Second))
}

// Warning is emitted when a window's usage reaches the warning threshold.
type Warning struct {
	Window Window
	Used   int
	Limit  int
}

type Config struct {
	PerHour int
	PerDay  int
	// WarningThreshold is a fraction of the ceiling in (0,1]. Zero means default.
	WarningThreshold float64
}

func (c Config) withDefaults() Config {
	if c.PerHour <= 0 {
		c.PerHour = DefaultPerHour
	}
	if c.PerDay <= 0 {
		c.PerDay = DefaultPerDay
	}
	if c.WarningThreshold <= 0 || c.WarningThreshold > 1 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	return c
}

// window is a time-ordered slice of publish instants.
type window struct {
	horizon time.Duration
	limit   int
	stamps  []time.Time
	warned  bool
}

// purge drops entries strictly older than the horizon. Idempotent.
func (w *window) purge(now time.Time) {
	cutoff := now.Add(-w.horizon)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	// Reuse the backing array once it drains.
	if i == len(w.stamps) {
		w.stamps = w.stamps[:0]
		return
	}
	w.stamps = w.stamps[i:]
}

func (w *window) full() bool { return len(w.stamps) >= w.limit }

func (w *window) wait(now time.Time) time.Duration {
	if !w.full() || len(w.stamps) == 0 {
		return 0
	}
	d := w.stamps[0].Add(w.horizon).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Limiter is safe for concurrent use. Every method runs under one mutex so a
// check followed by a record cannot interleave with another caller's write.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	hour   window
	day    window
	now    func() time.Time
	onWarn func(Warning)
}

type Option func(*Limiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithWarning registers the threshold callback. It is invoked after the
// limiter's lock is released and must not block.
func WithWarning(fn func(Warning)) Option {
	return func(l *Limiter) { l.onWarn = fn }
}

func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:  cfg,
		hour: window{horizon: time.Hour, limit: cfg.PerHour},
		day:  window{horizon: 24 * time.Hour, limit: cfg.PerDay},
		now:  time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(l)
		}
	}
	return l
}

// Apply swaps ceilings at runtime, keeping recorded history.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	l.cfg = cfg
	l.hour.limit = cfg.PerHour
	l.day.limit = cfg.PerDay
	l.hour.warned, l.day.warned = false, false
	l.mu.Unlock()
}

// purgeLocked refreshes both windows and collects threshold crossings.
func (l *Limiter) purgeLocked(now time.Time) []Warning {
	l.hour.purge(now)
	l.day.purge(now)

	var out []Warning
	for _, w := range []struct {
		name Window
		win  *window
	}{{Hourly, &l.hour}, {Daily, &l.day}} {
		used := len(w.win.stamps)
		over := float64(used) >= l.cfg.WarningThreshold*float64(w.win.limit)
		switch {
		case over && !w.win.warned:
			w.win.warned = true
			out = append(out, Warning{Window: w.name, Used: used, Limit: w.win.limit})
		case !over:
			w.win.warned = false
		}
	}
	return out
}

func (l *Limiter) emit(ws []Warning) {
	if l.onWarn == nil {
		return
	}
	for _, w := range ws {
		l.onWarn(w)
	}
}

// blockedLocked returns the binding window, hourly first.
func (l *Limiter) blockedLocked(now time.Time) (Window, time.Duration, bool) {
	switch {
	case l.hour.full():
		return Hourly, l.hour.wait(now), true
	case l.day.full():
		return Daily, l.day.wait(now), true
	}
	return "", 0, false
}

// CanPost reports whether another publish fits both windows right now.
func (l *Limiter) CanPost() bool {
	l.mu.Lock()
	now := l.now()
	ws := l.purgeLocked(now)
	_, _, blocked := l.blockedLocked(now)
	l.mu.Unlock()

	l.emit(ws)
	return !blocked
}

// RecordPost appends now to both windows.
func (l *Limiter) RecordPost() {
	l.mu.Lock()
	now := l.now()
	l.hour.stamps = append(l.hour.stamps, now)
	l.day.stamps = append(l.day.stamps, now)
	ws := l.purgeLocked(now)
	l.mu.Unlock()

	l.emit(ws)
}

// CheckAndRecord records a publish if allowed, otherwise returns *LimitError.
func (l *Limiter) CheckAndRecord() error {
	l.mu.Lock()
	now := l.now()
	ws := l.purgeLocked(now)
	if name, wait, blocked := l.blockedLocked(now); blocked {
		l.mu.Unlock()
		l.emit(ws)
		return &LimitError{Window: name, Wait: wait}
	}
	l.hour.stamps = append(l.hour.stamps, now)
	l.day.stamps = append(l.day.stamps, now)
	ws = append(ws, l.purgeLocked(now)...)
	l.mu.Unlock()

	l.emit(ws)
	return nil
}

// WaitTime returns how long until every violated window admits a publish.
// It is the maximum over violated windows and zero when neither is full.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.hour.purge(now)
	l.day.purge(now)
	return max(l.hour.wait(now), l.day.wait(now))
}

// Status is a point-in-time view of both windows.
type Status struct {
	HourUsed  int           `json:"hour_used"`
	HourLimit int           `json:"hour_limit"`
	DayUsed   int           `json:"day_used"`
	DayLimit  int           `json:"day_limit"`
	Wait      time.Duration `json:"wait"`
	Blocked   bool          `json:"blocked"`
	Window    Window        `json:"window,omitempty"`
}

func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.hour.purge(now)
	l.day.purge(now)
	name, _, blocked := l.blockedLocked(now)
	return Status{
		HourUsed:  len(l.hour.stamps),
		HourLimit: l.hour.limit,
		DayUsed:   len(l.day.stamps),
		DayLimit:  l.day.limit,
		Wait:      max(l.hour.wait(now), l.day.wait(now)),
		Blocked:   blocked,
		Window:    name,
	}
}
