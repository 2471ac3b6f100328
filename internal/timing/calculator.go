// Package timing computes humanized publish times.
//
// A Calculator turns an approval instant into a later publish instant:
// a random delay, a few seconds of jitter, and relocation out of the
// configured quiet hours. It performs no I/O.
package timing

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultMinDelay   = 15 * time.Minute
	DefaultMaxDelay   = 120 * time.Minute
	DefaultJitterMax  = 300 * time.Second
	DefaultQuietStart = 0
	DefaultQuietEnd   = 7
)

type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration
	// JitterMax bounds the extra seconds added on top of the delay. Zero means default.
	JitterMax time.Duration
	// QuietStart and QuietEnd are hours in [0,23]. Equal values disable quiet hours.
	// QuietStart > QuietEnd means the window wraps midnight.
	QuietStart int
	QuietEnd   int
	// Location interprets quiet hours. nil means time.Local.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.JitterMax <= 0 {
		c.JitterMax = DefaultJitterMax
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Validate reports configuration errors that defaults cannot fix.
func (c Config) Validate() error {
	if c.QuietStart < 0 || c.QuietStart > 23 {
		return fmt.Errorf("quiet_hours_start out of range: %d", c.QuietStart)
	}
	if c.QuietEnd < 0 || c.QuietEnd > 23 {
		return fmt.Errorf("quiet_hours_end out of range: %d", c.QuietEnd)
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.MinDelay > 0 && c.MaxDelay > 0 && c.MaxDelay < c.MinDelay {
		return fmt.Errorf("max delay %s is below min delay %s", c.MaxDelay, c.MinDelay)
	}
	return nil
}

// Calculator is safe for concurrent use.
type Calculator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

type Option func(*Calculator)

// WithRand injects the random source (tests use a fixed seed).
func WithRand(r *rand.Rand) Option {
	return func(c *Calculator) {
		if r != nil {
			c.rng = r
		}
	}
}

// WithClock injects the wall clock used for the midnight-wrap check and descriptions.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Calculator {
	c := &Calculator{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

func (c *Calculator) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Apply replaces the configuration. Already computed times are unaffected.
func (c *Calculator) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

// intn returns a uniform int in [lo, hi].
func (c *Calculator) intn(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + c.rng.Int63n(hi-lo+1)
}

// ScheduleTime returns the publish instant for an item approved at base.
// A zero base means now. The result is always strictly after base.
func (c *Calculator) ScheduleTime(base time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if base.IsZero() {
		base = now
	}
	base = base.In(c.cfg.Location)

	delayMin := c.intn(int64(c.cfg.MinDelay/time.Minute), int64(c.cfg.MaxDelay/time.Minute))
	jitterSec := c.intn(0, int64(c.cfg.JitterMax/time.Second))
	candidate := base.Add(time.Duration(delayMin)*time.Minute + time.Duration(jitterSec)*time.Second)
	if !candidate.After(base) {
		candidate = base.Add(time.Second)
	}

	candidate = c.avoidQuietHours(candidate, now)

	// Relocation can land at or before base (e.g. base itself sits late in the
	// quiet window and the relocated slot is earlier the same day).
	for !candidate.After(base) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func (c *Calculator) inQuiet(hour int) bool {
	qs, qe := c.cfg.QuietStart, c.cfg.QuietEnd
	switch {
	case qs == qe:
		return false
	case qs < qe:
		return hour >= qs && hour < qe
	default:
		return hour >= qs || hour < qe
	}
}

func (c *Calculator) avoidQuietHours(t time.Time, now time.Time) time.Time {
	if !c.inQuiet(t.Hour()) {
		return t
	}
	minute := int(c.intn(5, 44))
	second := int(c.intn(0, 59))
	moved := time.Date(t.Year(), t.Month(), t.Day(), c.cfg.QuietEnd, minute, second, 0, t.Location())

	if c.cfg.QuietStart > c.cfg.QuietEnd && !moved.After(now) {
		// Late-evening part of a wrapped window: quiet_end is tomorrow.
		moved = moved.AddDate(0, 0, 1)
	}
	return moved
}

// DelayDescription renders the gap between now and scheduled for humans:
// "in N minutes" under an hour, "in 1 hour N minutes" under two, else "HH:MM".
func (c *Calculator) DelayDescription(scheduled time.Time) string {
	return DescribeDelay(scheduled, c.now(), c.Config().Location)
}

// DescribeDelay is the pure form of Calculator.DelayDescription.
func DescribeDelay(scheduled, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	minutes := int(scheduled.Sub(now) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	switch {
	case minutes < 60:
		return fmt.Sprintf("in %d minutes", minutes)
	case minutes < 120:
		return fmt.Sprintf("in 1 hour %d minutes", minutes-60)
	default:
		return scheduled.In(loc).Format("15:04")
	}
}
