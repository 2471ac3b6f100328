package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "replybot/pkg/logx"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// openers returns every driver that runs without external services.
func openers(t *testing.T) map[string]func(t *testing.T, clk *testClock) Store {
	return map[string]func(t *testing.T, clk *testClock) Store{
		"memory": func(t *testing.T, clk *testClock) Store {
			st, err := Open(Config{Driver: "memory"}, logx.Nop())
			if err != nil {
				t.Fatalf("open memory: %v", err)
			}
			st.(*fileStore).now = clk.now
			return st
		},
		"file": func(t *testing.T, clk *testClock) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "queue.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			st.(*fileStore).now = clk.now
			return st
		},
		"sqlite": func(t *testing.T, clk *testClock) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "queue.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			st.(*sqlStore).now = clk.now
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store, clk *testClock)) {
	for name, open := range openers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			clk := &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
			st := open(t, clk)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st, clk)
		})
	}
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()

		id, err := st.Create(ctx, Item{TargetRef: "post-1", Payload: "hello"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		it, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if it.Status != StatusPending || !it.ScheduledAt.IsZero() {
			t.Fatalf("new item: %+v", it)
		}

		if _, err := st.Create(ctx, Item{TargetRef: "post-1", Payload: "again"}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("duplicate target err=%v", err)
		}

		at := clk.t.Add(30 * time.Minute)
		if err := st.Approve(ctx, id, at); err != nil {
			t.Fatalf("approve: %v", err)
		}
		if err := st.Approve(ctx, id, at); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("double approve err=%v", err)
		}

		due, err := st.Due(ctx, clk.t)
		if err != nil || len(due) != 0 {
			t.Fatalf("due before schedule: %v %v", due, err)
		}
		due, err = st.Due(ctx, at)
		if err != nil || len(due) != 1 || due[0].ID != id {
			t.Fatalf("due at schedule: %v %v", due, err)
		}

		if n, _ := st.CountPending(ctx); n != 1 {
			t.Fatalf("pending=%d want 1", n)
		}

		clk.advance(time.Hour)
		if err := st.MarkPosted(ctx, id, clk.t); err != nil {
			t.Fatalf("mark posted: %v", err)
		}
		it, _ = st.Get(ctx, id)
		if it.Status != StatusPosted || it.PostedAt.IsZero() || it.ScheduledAt.IsZero() {
			t.Fatalf("posted item: %+v", it)
		}
		if n, _ := st.CountPostedSince(ctx, clk.t.Add(-time.Minute)); n != 1 {
			t.Fatalf("posted since=%d want 1", n)
		}
		if err := st.MarkFailed(ctx, id, "late"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("fail after posted err=%v", err)
		}
		if err := st.MarkPosted(ctx, "missing", clk.t); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing err=%v", err)
		}
	})
}

func TestDueOrdering(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		base := clk.t
		ids := map[string]string{}
		for _, c := range []struct {
			ref    string
			offset time.Duration
		}{{"c", 3 * time.Minute}, {"a", time.Minute}, {"b", 2 * time.Minute}, {"later", time.Hour}} {
			id, err := st.Create(ctx, Item{TargetRef: c.ref, Payload: "x", Status: StatusApproved, ScheduledAt: base.Add(c.offset)})
			if err != nil {
				t.Fatalf("create %s: %v", c.ref, err)
			}
			ids[c.ref] = id
		}

		due, err := st.Due(ctx, base.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 3 {
			t.Fatalf("due=%d want 3", len(due))
		}
		for i, ref := range []string{"a", "b", "c"} {
			if due[i].ID != ids[ref] {
				t.Fatalf("due[%d]=%s want %s", i, due[i].TargetRef, ref)
			}
		}
	})
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		mk := func(ref string) string {
			id, err := st.Create(ctx, Item{TargetRef: ref, Payload: "x", Status: StatusApproved, ScheduledAt: clk.t})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.MarkFailed(ctx, id, "boom"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			return id
		}
		recoverable := mk("r1")
		exhausted := mk("r2")
		if _, err := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: exhausted, TargetRef: "r2", Error: "x", RetryCount: 5, Status: DeadLetterExhausted}); err != nil {
			t.Fatalf("add dlq: %v", err)
		}

		clk.advance(time.Minute)
		n, err := st.RecoverStale(ctx, 0)
		if err != nil {
			t.Fatalf("recover: %v", err)
		}
		if n != 1 {
			t.Fatalf("recovered=%d want 1", n)
		}
		it, _ := st.Get(ctx, recoverable)
		if it.Status != StatusApproved || it.ScheduledAt.IsZero() {
			t.Fatalf("recovered item: %+v", it)
		}
		it, _ = st.Get(ctx, exhausted)
		if it.Status != StatusFailed {
			t.Fatalf("exhausted item should stay failed: %+v", it)
		}
	})
}

func TestDeadLetterRetryLifecycle(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		const maxRetries = 5

		failing, err := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: "q1", TargetRef: "t1", Error: "boom"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
		clk.advance(time.Second)
		winner, err := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: "q2", TargetRef: "t2", Error: "boom"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}

		pending, _ := st.PendingDeadLetters(ctx, maxRetries, 10)
		if len(pending) != 2 || pending[0].ID != failing {
			t.Fatalf("pending=%+v", pending)
		}

		for i := 1; i <= maxRetries; i++ {
			clk.advance(time.Minute)
			d, err := st.UpdateAfterRetry(ctx, failing, RetryResult{Error: "still down", MaxRetries: maxRetries})
			if err != nil {
				t.Fatalf("retry %d: %v", i, err)
			}
			if d.RetryCount != i {
				t.Fatalf("retry_count=%d want %d", d.RetryCount, i)
			}
			wantExhausted := i >= maxRetries
			if (d.Status == DeadLetterExhausted) != wantExhausted {
				t.Fatalf("retry %d status=%s", i, d.Status)
			}
		}

		if _, err := st.UpdateAfterRetry(ctx, winner, RetryResult{Success: true, MaxRetries: maxRetries}); err != nil {
			t.Fatalf("success retry: %v", err)
		}

		pending, _ = st.PendingDeadLetters(ctx, maxRetries, 10)
		if len(pending) != 0 {
			t.Fatalf("pending after resolution=%+v", pending)
		}
		stats, err := st.DeadLetterStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Pending != 0 || stats.Exhausted != 1 || stats.Retried != 1 {
			t.Fatalf("stats=%+v", stats)
		}
		if _, err := st.UpdateAfterRetry(ctx, failing, RetryResult{MaxRetries: maxRetries}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("retry on exhausted err=%v", err)
		}
	})
}

func TestDeadLetterPermanentExhaustsImmediately(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		id, _ := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: "q", TargetRef: "t", Error: "x"})
		d, err := st.UpdateAfterRetry(ctx, id, RetryResult{Error: "forbidden", MaxRetries: 5, Permanent: true})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if d.Status != DeadLetterExhausted || d.RetryCount != 5 {
			t.Fatalf("permanent failure: %+v", d)
		}
	})
}

func TestLiveAndResolveDeadLetters(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		if _, ok, _ := st.LiveDeadLetter(ctx, "q"); ok {
			t.Fatalf("unexpected live entry")
		}
		id, _ := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: "q", TargetRef: "t", Error: "x"})
		d, ok, err := st.LiveDeadLetter(ctx, "q")
		if err != nil || !ok || d.ID != id {
			t.Fatalf("live=%+v ok=%v err=%v", d, ok, err)
		}
		n, err := st.ResolveDeadLetters(ctx, "q", clk.t)
		if err != nil || n != 1 {
			t.Fatalf("resolve n=%d err=%v", n, err)
		}
		if _, ok, _ := st.LiveDeadLetter(ctx, "q"); ok {
			t.Fatalf("entry still live after resolve")
		}
	})
}

func TestDedupAndAudit(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()
		until := clk.t.Add(time.Hour)
		if err := st.PutDedup(ctx, "k", until); err != nil {
			t.Fatalf("put dedup: %v", err)
		}
		got, ok, err := st.GetDedup(ctx, "k")
		if err != nil || !ok || got.UnixMilli() != until.UnixMilli() {
			t.Fatalf("get dedup=%v ok=%v err=%v", got, ok, err)
		}
		if err := st.AppendAudit(ctx, AuditEntry{Actor: "42", Source: "http", Action: "approve", Target: "id", OK: true}); err != nil {
			t.Fatalf("audit: %v", err)
		}
	})
}

func TestCreate_TargetStaysTakenUntilRejected(t *testing.T) {
	t.Parallel()

	forEachDriver(t, func(t *testing.T, st Store, clk *testClock) {
		ctx := context.Background()

		posted, err := st.Create(ctx, Item{TargetRef: "done", Payload: "x", Status: StatusApproved, ScheduledAt: clk.t})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.MarkPosted(ctx, posted, clk.t); err != nil {
			t.Fatalf("mark posted: %v", err)
		}
		if _, err := st.Create(ctx, Item{TargetRef: "done", Payload: "twice"}); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("posted target err=%v want ErrDuplicate", err)
		}

		rejected, err := st.Create(ctx, Item{TargetRef: "maybe", Payload: "x"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := st.Reject(ctx, rejected); err != nil {
			t.Fatalf("reject: %v", err)
		}
		if _, err := st.Create(ctx, Item{TargetRef: "maybe", Payload: "better"}); err != nil {
			t.Fatalf("rejected target should be free: %v", err)
		}
	})
}

func TestFileStore_FailedPersistLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "state")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "queue.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	clk := &testClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	st.(*fileStore).now = clk.now
	ctx := context.Background()

	id, err := st.Create(ctx, Item{TargetRef: "t", Payload: "p", Status: StatusApproved, ScheduledAt: clk.t})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkFailed(ctx, id, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := st.AddDeadLetter(ctx, DeadLetter{QueueItemID: id, TargetRef: "t", Error: "boom"}); err != nil {
		t.Fatalf("add dlq: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	clk.advance(time.Hour)

	if n, err := st.RecoverStale(ctx, 0); err == nil || n != 0 {
		t.Fatalf("recover: n=%d err=%v want failure", n, err)
	}
	if it, _ := st.Get(ctx, id); it.Status != StatusFailed {
		t.Fatalf("item changed despite failed persist: %+v", it)
	}
	if n, err := st.ResolveDeadLetters(ctx, id, clk.t); err == nil || n != 0 {
		t.Fatalf("resolve: n=%d err=%v want failure", n, err)
	}
	if stats, _ := st.DeadLetterStats(ctx); stats.Pending != 1 || stats.Retried != 0 {
		t.Fatalf("dead letters changed despite failed persist: %+v", stats)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "queue.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := st.Create(ctx, Item{TargetRef: "t", Payload: "p"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if it, err := st.Get(ctx, id); err != nil || it.Payload != "p" {
		t.Fatalf("after reopen: %+v %v", it, err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	got := rebind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("rebind=%q want %q", got, want)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none err=%v", err)
	}
}
