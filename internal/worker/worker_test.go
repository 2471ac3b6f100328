package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"replybot/internal/breaker"
	"replybot/internal/notifier"
	"replybot/internal/ratelimit"
	"replybot/internal/retry"
	"replybot/internal/storage"
	logx "replybot/pkg/logx"
)

type scriptPublisher struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, n int, ref string) (bool, error)
}

func (p *scriptPublisher) Publish(ctx context.Context, ref, _ string) (bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ref)
	n := len(p.calls)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return true, nil
	}
	return fn(ctx, n, ref)
}

func (p *scriptPublisher) refs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type note struct {
	sev      notifier.Severity
	category string
	details  map[string]any
}

type recNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (r *recNotifier) Notify(_ context.Context, sev notifier.Severity, category, _ string, details map[string]any) {
	r.mu.Lock()
	r.notes = append(r.notes, note{sev: sev, category: category, details: details})
	r.mu.Unlock()
}

func (r *recNotifier) find(category string) (note, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.category == category {
			return n, true
		}
	}
	return note{}, false
}

type harness struct {
	st    storage.Store
	pub   *scriptPublisher
	notes *recNotifier
	lim   *ratelimit.Limiter
	br    *breaker.Breaker
	w     *Worker
}

func newHarness(t *testing.T, rl ratelimit.Config, bc breaker.Config) *harness {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		st:    st,
		pub:   &scriptPublisher{},
		notes: &recNotifier{},
		lim:   ratelimit.New(rl),
		br:    breaker.New("publisher", bc),
	}
	h.w, err = New(Config{Interval: 10 * time.Millisecond}, Deps{
		Queue:       st,
		DeadLetters: st,
		Publisher:   h.pub,
		Limiter:     h.lim,
		Breaker:     h.br,
		Notifier:    h.notes,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return h
}

func defaultHarness(t *testing.T) *harness {
	return newHarness(t, ratelimit.Config{PerHour: 100, PerDay: 100}, breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})
}

// approve creates an approved item scheduled at now minus age.
func (h *harness) approve(t *testing.T, ref string, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.st.Create(ctx, storage.Item{TargetRef: ref, Payload: "reply to " + ref})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.st.Approve(ctx, id, time.Now().Add(-age)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return id
}

func (h *harness) item(t *testing.T, id string) storage.Item {
	t.Helper()
	it, err := h.st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return it
}

func (h *harness) deadLetters(t *testing.T) []storage.DeadLetter {
	t.Helper()
	var all []storage.DeadLetter
	for _, s := range []storage.DeadLetterStatus{storage.DeadLetterPending, storage.DeadLetterRetried, storage.DeadLetterExhausted} {
		ds, err := h.st.ListDeadLetters(context.Background(), s, 100)
		if err != nil {
			t.Fatalf("list dead letters: %v", err)
		}
		all = append(all, ds...)
	}
	return all
}

func TestCycle_GenericErrorFailsItemWithOneDeadLetter(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(context.Context, int, string) (bool, error) { return false, errors.New("connection reset") }
	id := h.approve(t, "t-1", time.Minute)

	res, err := h.w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Failed != 1 || res.Posted != 0 {
		t.Fatalf("result=%+v", res)
	}
	it := h.item(t, id)
	if it.Status != storage.StatusFailed || it.Error == "" || it.ScheduledAt.IsZero() {
		t.Fatalf("item=%+v", it)
	}
	dls := h.deadLetters(t)
	if len(dls) != 1 || dls[0].RetryCount != 0 || dls[0].Status != storage.DeadLetterPending || dls[0].QueueItemID != id {
		t.Fatalf("dead letters=%+v", dls)
	}
	if n, ok := h.notes.find("publish_error"); !ok || n.sev != notifier.SeverityCritical {
		t.Fatalf("expected critical notification, got %+v", h.notes.notes)
	}
}

func TestCycle_FalseResultNotifiesAtError(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(context.Context, int, string) (bool, error) { return false, nil }
	id := h.approve(t, "t-1", time.Minute)

	if _, err := h.w.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if it := h.item(t, id); it.Status != storage.StatusFailed {
		t.Fatalf("status=%s", it.Status)
	}
	if n, ok := h.notes.find("publish_failed"); !ok || n.sev != notifier.SeverityError {
		t.Fatalf("expected error notification, got %+v", h.notes.notes)
	}
	if st := h.br.Status(); st.Failures != 1 {
		t.Fatalf("breaker failures=%d want 1", st.Failures)
	}
}

func TestCycle_OpenBreakerLeavesItemApproved(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{PerHour: 10, PerDay: 10}, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = h.br.Execute(context.Background(), func(context.Context) error { return errors.New("earlier failure") })
	if h.br.State() != breaker.StateOpen {
		t.Fatalf("breaker should be open")
	}
	id := h.approve(t, "t-1", time.Minute)

	res, err := h.w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Stop != StopCircuitOpen || res.Failed != 0 {
		t.Fatalf("result=%+v", res)
	}
	if it := h.item(t, id); it.Status != storage.StatusApproved || it.Error != "" {
		t.Fatalf("item=%+v", it)
	}
	if dls := h.deadLetters(t); len(dls) != 0 {
		t.Fatalf("dead letters=%+v", dls)
	}
	if len(h.pub.refs()) != 0 {
		t.Fatalf("publisher must not be called while open")
	}
}

func TestCycle_SuccessPostsAndRecords(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	id := h.approve(t, "t-1", time.Minute)

	res, err := h.w.RunCycle(context.Background())
	if err != nil || res.Posted != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	it := h.item(t, id)
	if it.Status != storage.StatusPosted || it.PostedAt.IsZero() {
		t.Fatalf("item=%+v", it)
	}
	if st := h.lim.Status(); st.HourUsed != 1 || st.DayUsed != 1 {
		t.Fatalf("limiter=%+v", st)
	}
	if _, ok := h.notes.find("published"); !ok {
		t.Fatalf("expected success notification")
	}
}

func TestCycle_OldestFirstAndNotYetDueSkipped(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.approve(t, "newer", time.Minute)
	h.approve(t, "oldest", time.Hour)
	h.approve(t, "middle", 10*time.Minute)
	ctx := context.Background()
	future, _ := h.st.Create(ctx, storage.Item{TargetRef: "future", Payload: "x"})
	_ = h.st.Approve(ctx, future, time.Now().Add(time.Hour))

	if _, err := h.w.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got := h.pub.refs()
	want := []string{"oldest", "middle", "newer"}
	if len(got) != len(want) {
		t.Fatalf("calls=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls=%v want %v", got, want)
		}
	}
	if it := h.item(t, future); it.Status != storage.StatusApproved {
		t.Fatalf("future item status=%s", it.Status)
	}
}

func TestCycle_RateLimitDefersRemainingItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{PerHour: 1, PerDay: 10}, breaker.Config{})
	a := h.approve(t, "a", 3*time.Minute)
	b := h.approve(t, "b", 2*time.Minute)
	c := h.approve(t, "c", time.Minute)

	res, err := h.w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Posted != 1 || res.Deferred != 2 || res.Stop != StopRateLimited {
		t.Fatalf("result=%+v", res)
	}
	if h.item(t, a).Status != storage.StatusPosted {
		t.Fatalf("first item should be posted")
	}
	for _, id := range []string{b, c} {
		if it := h.item(t, id); it.Status != storage.StatusApproved || it.Error != "" {
			t.Fatalf("deferred item=%+v", it)
		}
	}
}

func TestCycle_RepeatFailureIncrementsLiveEntry(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(context.Context, int, string) (bool, error) { return false, errors.New("boom") }
	id := h.approve(t, "t-1", time.Minute)
	ctx := context.Background()

	if _, err := h.w.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := h.w.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if it := h.item(t, id); it.Status != storage.StatusApproved {
		t.Fatalf("recovered status=%s", it.Status)
	}
	if _, err := h.w.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	dls := h.deadLetters(t)
	if len(dls) != 1 || dls[0].RetryCount != 1 {
		t.Fatalf("dead letters=%+v", dls)
	}
}

func TestCycle_PermanentFailureExhaustsImmediately(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(context.Context, int, string) (bool, error) {
		return false, retry.Permanent(errors.New("target deleted"))
	}
	h.approve(t, "t-1", time.Minute)

	if _, err := h.w.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	dls := h.deadLetters(t)
	if len(dls) != 1 || dls[0].Status != storage.DeadLetterExhausted || dls[0].RetryCount != DefaultDLQMaxRetries {
		t.Fatalf("dead letters=%+v", dls)
	}
}

func TestCycle_TimeoutIsFlaggedAmbiguous(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.w.Apply(Config{Interval: time.Second, PublishTimeout: 5 * time.Millisecond})
	h.pub.fn = func(ctx context.Context, _ int, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	id := h.approve(t, "t-1", time.Minute)

	if _, err := h.w.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	it := h.item(t, id)
	if it.Status != storage.StatusFailed || len(it.Error) < 10 || it.Error[:10] != "ambiguous:" {
		t.Fatalf("item=%+v", it)
	}
	if n, ok := h.notes.find("publish_error"); !ok || n.details["ambiguous"] == nil {
		t.Fatalf("expected ambiguous flag in notification, got %+v", h.notes.notes)
	}
}

func TestCycle_CancelMidPublishLeavesItemApproved(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.pub.fn = func(ctx context.Context, _ int, _ string) (bool, error) {
		cancel()
		<-ctx.Done()
		return false, ctx.Err()
	}
	id := h.approve(t, "t-1", time.Minute)

	res, err := h.w.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Stop != StopCanceled {
		t.Fatalf("result=%+v", res)
	}
	if it := h.item(t, id); it.Status != storage.StatusApproved {
		t.Fatalf("status=%s want approved", it.Status)
	}
	if dls := h.deadLetters(t); len(dls) != 0 {
		t.Fatalf("dead letters=%+v", dls)
	}
	if st := h.br.Status(); st.Failures != 0 {
		t.Fatalf("cancellation must not count as a breaker failure")
	}
}

func TestCycle_PanicFailsOnlyThatItem(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(_ context.Context, n int, _ string) (bool, error) {
		if n == 1 {
			panic("publisher bug")
		}
		return true, nil
	}
	bad := h.approve(t, "bad", 2*time.Minute)
	good := h.approve(t, "good", time.Minute)

	res, err := h.w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Failed != 1 || res.Posted != 1 {
		t.Fatalf("result=%+v", res)
	}
	if h.item(t, bad).Status != storage.StatusFailed || h.item(t, good).Status != storage.StatusPosted {
		t.Fatalf("unexpected statuses")
	}
}

func TestRecover_SkipsExhaustedItems(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	h.pub.fn = func(_ context.Context, _ int, ref string) (bool, error) {
		if ref == "dead" {
			return false, retry.Permanent(errors.New("gone"))
		}
		return false, errors.New("flaky")
	}
	dead := h.approve(t, "dead", 2*time.Minute)
	flaky := h.approve(t, "flaky", time.Minute)
	ctx := context.Background()
	if _, err := h.w.RunCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	rep, err := h.w.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Recovered != 1 || rep.DeadLetters.Pending != 1 || rep.DeadLetters.Exhausted != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if h.item(t, dead).Status != storage.StatusFailed || h.item(t, flaky).Status != storage.StatusApproved {
		t.Fatalf("unexpected statuses after recovery")
	}
	if _, ok := h.notes.find("dlq_backlog"); !ok {
		t.Fatalf("expected backlog warning")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	id := h.approve(t, "t-1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.item(t, id).Status != storage.StatusPosted {
		if time.Now().After(deadline) {
			t.Fatalf("item was not posted by the loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if st := h.w.Status(); st.Cycles == 0 || st.TotalPosted != 1 {
		t.Fatalf("status=%+v", st)
	}
}

func TestCycle_PanicInHalfOpenDoesNotWedgeBreaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{PerHour: 100, PerDay: 100},
		breaker.Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 1})
	h.pub.fn = func(_ context.Context, _ int, ref string) (bool, error) {
		switch ref {
		case "a":
			return false, errors.New("flaky")
		case "b":
			panic("publisher bug")
		}
		return true, nil
	}
	a := h.approve(t, "a", 3*time.Minute)
	b := h.approve(t, "b", 2*time.Minute)
	ctx := context.Background()

	if res, _ := h.w.RunCycle(ctx); res.Failed != 1 || res.Stop != StopCircuitOpen {
		t.Fatalf("first cycle=%+v", res)
	}
	time.Sleep(40 * time.Millisecond)
	if res, _ := h.w.RunCycle(ctx); res.Failed != 1 {
		t.Fatalf("half-open cycle=%+v", res)
	}
	if st := h.br.Status(); st.State != breaker.StateOpen || st.ProbesUsed != 0 {
		t.Fatalf("breaker after half-open panic: %+v", st)
	}

	time.Sleep(40 * time.Millisecond)
	c := h.approve(t, "c", time.Minute)
	if res, _ := h.w.RunCycle(ctx); res.Posted != 1 {
		t.Fatalf("recovery cycle=%+v", res)
	}
	if h.item(t, a).Status != storage.StatusFailed || h.item(t, b).Status != storage.StatusFailed || h.item(t, c).Status != storage.StatusPosted {
		t.Fatalf("unexpected statuses")
	}
	if got := h.br.State(); got != breaker.StateClosed {
		t.Fatalf("breaker=%s want closed", got)
	}
}

func TestCycle_RepeatedPanicsOpenBreaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, ratelimit.Config{PerHour: 100, PerDay: 100},
		breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	h.pub.fn = func(context.Context, int, string) (bool, error) { panic("publisher bug") }
	for _, ref := range []string{"p-1", "p-2", "p-3"} {
		h.approve(t, ref, time.Minute)
	}

	res, err := h.w.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Failed != 2 || res.Stop != StopCircuitOpen || res.Deferred != 1 {
		t.Fatalf("result=%+v", res)
	}
	if got := h.br.State(); got != breaker.StateOpen {
		t.Fatalf("breaker=%s want open", got)
	}
}

// flakyQueue fails its first Due call and panics on the second.
type flakyQueue struct {
	storage.Store
	mu    sync.Mutex
	calls int
}

func (q *flakyQueue) Due(ctx context.Context, before time.Time) ([]storage.Item, error) {
	q.mu.Lock()
	q.calls++
	n := q.calls
	q.mu.Unlock()
	switch n {
	case 1:
		return nil, errors.New("database is locked")
	case 2:
		panic("driver bug")
	}
	return q.Store.Due(ctx, before)
}

func TestRun_SurvivesFailingCycles(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	q := &flakyQueue{Store: h.st}
	w, err := New(Config{Interval: 5 * time.Millisecond}, Deps{
		Queue:       q,
		DeadLetters: h.st,
		Publisher:   h.pub,
		Limiter:     h.lim,
		Breaker:     h.br,
		Notifier:    h.notes,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	id := h.approve(t, "t-1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.item(t, id).Status != storage.StatusPosted {
		if time.Now().After(deadline) {
			t.Fatalf("item was not posted after failing cycles")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if st := w.Status(); st.Cycles < 2 || st.TotalPosted != 1 {
		t.Fatalf("status=%+v", st)
	}
}

var (
	errCount = errors.New("count failed")
	errStats = errors.New("stats failed")
)

type brokenCounts struct{ storage.Store }

func (brokenCounts) CountPending(context.Context) (int, error) { return 0, errCount }

func (brokenCounts) DeadLetterStats(context.Context) (storage.DeadLetterStats, error) {
	return storage.DeadLetterStats{}, errStats
}

func TestSnapshot_JoinsStoreErrors(t *testing.T) {
	t.Parallel()

	h := defaultHarness(t)
	bc := brokenCounts{Store: h.st}
	w, err := New(Config{Interval: time.Hour}, Deps{
		Queue: bc, DeadLetters: bc, Publisher: h.pub, Limiter: h.lim, Breaker: h.br, Notifier: h.notes,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	snap, err := w.Snapshot(context.Background(), time.UTC)
	if !errors.Is(err, errCount) || !errors.Is(err, errStats) {
		t.Fatalf("err=%v want both store errors", err)
	}
	if snap.RateLimit.HourLimit != 100 {
		t.Fatalf("limiter part missing: %+v", snap.RateLimit)
	}
}
