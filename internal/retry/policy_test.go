package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{MaxRetries: maxRetries, Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3", calls)
	}
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := fastPolicy(2).Do(context.Background(), func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if calls != 3 {
		t.Fatalf("calls=%d want 3 (1 + 2 retries)", calls)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(fmt.Errorf("bad target"))
	})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestDoValue_ReturnsValue(t *testing.T) {
	t.Parallel()

	n := 0
	v, err := Do(context.Background(), fastPolicy(1), func(context.Context) (string, error) {
		n++
		if n == 1 {
			return "", errors.New("first")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("v=%q err=%v", v, err)
	}
}

func TestDo_ContextCancelStopsWaiting(t *testing.T) {
	t.Parallel()

	p := &Policy{MaxRetries: 5, Base: time.Hour, Max: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Do did not return after cancel")
	}
}

func TestDelay(t *testing.T) {
	t.Parallel()

	p := &Policy{Base: time.Second, Max: 30 * time.Second, Factor: 2}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.n, nil); got != tc.want {
			t.Fatalf("Delay(%d)=%s want %s", tc.n, got, tc.want)
		}
	}

	if got := p.Delay(1, After(errors.New("429"), 7*time.Second)); got != 7*time.Second {
		t.Fatalf("hint delay=%s want 7s", got)
	}
	if got := p.Delay(1, After(errors.New("429"), time.Hour)); got != 30*time.Second {
		t.Fatalf("hint should be capped, got %s", got)
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	t.Parallel()

	p := &Policy{Base: time.Second, Max: time.Minute, Factor: 2, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d := p.Delay(1, nil)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
}
