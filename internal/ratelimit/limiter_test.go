package ratelimit

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)} }

func TestCanPost_HourlyWindowSlides(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 2, PerDay: 100}, WithClock(clk.Now))

	l.RecordPost()
	l.RecordPost()
	if l.CanPost() {
		t.Fatalf("expected blocked after 2 posts")
	}

	clk.Advance(30 * time.Minute)
	if l.CanPost() {
		t.Fatalf("expected still blocked at +30m")
	}

	clk.Advance(31 * time.Minute)
	if !l.CanPost() {
		t.Fatalf("expected allowed at +61m")
	}
}

func TestCheckAndRecord_ReportsWindowAndWait(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 1, PerDay: 10}, WithClock(clk.Now))

	if err := l.CheckAndRecord(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	clk.Advance(10 * time.Minute)

	err := l.CheckAndRecord()
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("expected *LimitError, got %v", err)
	}
	if le.Window != Hourly {
		t.Fatalf("window=%s want hourly", le.Window)
	}
	if le.Wait != 50*time.Minute {
		t.Fatalf("wait=%s want 50m", le.Wait)
	}
}

func TestCheckAndRecord_DailyBinding(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 5, PerDay: 2}, WithClock(clk.Now))

	for i := 0; i < 2; i++ {
		if err := l.CheckAndRecord(); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		clk.Advance(2 * time.Hour)
	}

	var le *LimitError
	if err := l.CheckAndRecord(); !errors.As(err, &le) || le.Window != Daily {
		t.Fatalf("expected daily limit, got %v", err)
	}
	// Oldest is 4h old: 20h remain in the day horizon.
	if le.Wait != 20*time.Hour {
		t.Fatalf("wait=%s want 20h", le.Wait)
	}
}

func TestCheckAndRecord_BothFullReportsHourly(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 2, PerDay: 2}, WithClock(clk.Now))
	l.RecordPost()
	l.RecordPost()

	var le *LimitError
	if err := l.CheckAndRecord(); !errors.As(err, &le) || le.Window != Hourly {
		t.Fatalf("expected hourly precedence, got %v", err)
	}
}

func TestWaitTime_MaxOfViolatedWindows(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 1, PerDay: 1}, WithClock(clk.Now))

	if got := l.WaitTime(); got != 0 {
		t.Fatalf("empty limiter wait=%s", got)
	}
	l.RecordPost()
	clk.Advance(15 * time.Minute)
	if got, want := l.WaitTime(), 24*time.Hour-15*time.Minute; got != want {
		t.Fatalf("wait=%s want %s", got, want)
	}
}

func TestWarningEmittedOncePerCrossing(t *testing.T) {
	t.Parallel()

	clk := newClock()
	var warnings atomic.Int32
	l := New(Config{PerHour: 5, PerDay: 100, WarningThreshold: 0.8},
		WithClock(clk.Now),
		WithWarning(func(w Warning) {
			if w.Window == Hourly {
				warnings.Add(1)
			}
		}))

	for i := 0; i < 4; i++ {
		l.RecordPost()
	}
	_ = l.CanPost()
	_ = l.CanPost()
	if got := warnings.Load(); got != 1 {
		t.Fatalf("warnings=%d want 1", got)
	}

	// Window drains, then fills again: a second crossing warns again.
	clk.Advance(61 * time.Minute)
	_ = l.CanPost()
	for i := 0; i < 4; i++ {
		l.RecordPost()
	}
	if got := warnings.Load(); got != 2 {
		t.Fatalf("warnings=%d want 2", got)
	}
}

func TestCheckAndRecord_ConcurrentCallersNeverExceed(t *testing.T) {
	t.Parallel()

	l := New(Config{PerHour: 10, PerDay: 100})

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecord() == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := ok.Load(); got != 10 {
		t.Fatalf("admitted=%d want 10", got)
	}
}

func TestPurgeIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	w := window{horizon: time.Hour, limit: 10, stamps: []time.Time{
		now.Add(-2 * time.Hour), now.Add(-90 * time.Minute), now.Add(-30 * time.Minute),
	}}
	w.purge(now)
	w.purge(now)
	if len(w.stamps) != 1 {
		t.Fatalf("stamps=%d want 1", len(w.stamps))
	}
}

func TestApplyKeepsHistory(t *testing.T) {
	t.Parallel()

	clk := newClock()
	l := New(Config{PerHour: 3, PerDay: 10}, WithClock(clk.Now))
	l.RecordPost()
	l.RecordPost()

	l.Apply(Config{PerHour: 2, PerDay: 10})
	st := l.Status()
	if !st.Blocked || st.HourUsed != 2 || st.HourLimit != 2 {
		t.Fatalf("unexpected status after apply: %+v", st)
	}
}
