// Package worker drives the publish queue: a polling loop that pulls due
// items oldest first, gates each publish through the rate limiter and the
// publisher circuit breaker, records the outcome, and feeds the dead letter
// queue on failure. It also owns startup recovery and the dead letter retry
// pass.
//
// Cycles and dead letter passes never overlap: at most one publish attempt
// from a Worker is in flight at any time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"replybot/internal/breaker"
	"replybot/internal/eventbus"
	"replybot/internal/notifier"
	"replybot/internal/publisher"
	"replybot/internal/ratelimit"
	"replybot/internal/retry"
	"replybot/internal/storage"
	logx "replybot/pkg/logx"
)

// ErrPublishRejected is recorded when the publisher returned false without an error.
var ErrPublishRejected = errors.New("publisher reported failure")

const (
	DefaultInterval      = 60 * time.Second
	DefaultDLQMaxRetries = 5
	DefaultDLQBatchSize  = 10
	storeWriteTimeout    = 10 * time.Second
)

// Notifier receives operator alerts. Implementations must not block for long
// and must never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, sev notifier.Severity, category, message string, details map[string]any)
}

type Config struct {
	Interval time.Duration
	// PublishTimeout bounds one publish call. Zero leaves it to the publisher.
	PublishTimeout time.Duration
	// RecoverStaleAfter is the minimum age of a failed item re-promoted at startup.
	RecoverStaleAfter time.Duration
	DLQMaxRetries     int
	DLQBatchSize      int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RecoverStaleAfter < 0 {
		c.RecoverStaleAfter = 0
	}
	if c.DLQMaxRetries <= 0 {
		c.DLQMaxRetries = DefaultDLQMaxRetries
	}
	if c.DLQBatchSize <= 0 {
		c.DLQBatchSize = DefaultDLQBatchSize
	}
	return c
}

// Deps groups the collaborators. Queue, DeadLetters, Publisher, Limiter and
// Breaker are required.
type Deps struct {
	Queue       storage.QueueStore
	DeadLetters storage.DeadLetterStore
	Publisher   publisher.Publisher
	Limiter     *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Notifier    Notifier
	Bus         eventbus.Bus
	Log         logx.Logger
	Now         func() time.Time
}

type Worker struct {
	queue   storage.QueueStore
	dlq     storage.DeadLetterStore
	pub     publisher.Publisher
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	notify  Notifier
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	cfgMu sync.Mutex
	cfg   Config

	// runMu serialises cycles and dead letter passes.
	runMu sync.Mutex

	wake chan struct{}

	stMu   sync.Mutex
	status Status
}

func New(cfg Config, d Deps) (*Worker, error) {
	if d.Queue == nil || d.DeadLetters == nil || d.Publisher == nil || d.Limiter == nil || d.Breaker == nil {
		return nil, errors.New("worker: queue, dead letters, publisher, limiter and breaker are required")
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Worker{
		queue:   d.Queue,
		dlq:     d.DeadLetters,
		pub:     d.Publisher,
		limiter: d.Limiter,
		breaker: d.Breaker,
		notify:  d.Notifier,
		bus:     d.Bus,
		log:     d.Log.With(logx.String("comp", "worker")),
		now:     d.Now,
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notifier.Severity, string, string, map[string]any) {}

func (w *Worker) Apply(cfg Config) {
	w.cfgMu.Lock()
	w.cfg = cfg.withDefaults()
	w.cfgMu.Unlock()
	w.Wake()
}

func (w *Worker) config() Config {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()
	return w.cfg
}

// Wake starts the next cycle without waiting for the interval.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run executes cycles until ctx is cancelled. A failing or panicking cycle is
// logged and the loop continues.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", logx.Duration("interval", w.config().Interval))
	for {
		if _, err := w.safeCycle(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("cycle failed", logx.Err(err))
		}

		t := time.NewTimer(w.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			w.log.Info("worker stopped")
			return nil
		case <-w.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (w *Worker) safeCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			w.log.Error("cycle panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return w.RunCycle(ctx)
}

// StopReason says why a cycle ended before its last due item.
type StopReason string

const (
	StopNone        StopReason = ""
	StopRateLimited StopReason = "rate_limited"
	StopCircuitOpen StopReason = "circuit_open"
	StopCanceled    StopReason = "canceled"
)

type CycleResult struct {
	Due      int
	Posted   int
	Failed   int
	Deferred int
	Stop     StopReason
	Took     time.Duration
}

type outcome int

const (
	outcomePosted outcome = iota
	outcomeFailed
	outcomeCircuitOpen
	outcomeCanceled
)

// RunCycle processes every due item once, sequentially and oldest first.
// A rate limit block or an open breaker defers the rest of the cycle without
// touching the remaining items.
func (w *Worker) RunCycle(ctx context.Context) (CycleResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := w.now()
	var res CycleResult
	defer func() {
		res.Took = w.now().Sub(start)
		w.finishCycle(start, res)
	}()

	items, err := w.queue.Due(ctx, start)
	if err != nil {
		return res, fmt.Errorf("fetch due items: %w", err)
	}
	res.Due = len(items)

	for i, it := range items {
		if ctx.Err() != nil {
			res.Stop, res.Deferred = StopCanceled, len(items)-i
			break
		}
		if !w.limiter.CanPost() {
			st := w.limiter.Status()
			w.log.Info("rate limited, deferring cycle",
				logx.Int("deferred", len(items)-i), logx.String("window", string(st.Window)), logx.Duration("wait", st.Wait))
			w.bus.Publish(eventbus.Event{Type: eventbus.TypeRateLimited, Data: eventbus.RateEvent{
				Window: string(st.Window), Used: usedFor(st), Limit: limitFor(st), Wait: st.Wait,
			}})
			res.Stop, res.Deferred = StopRateLimited, len(items)-i
			break
		}

		switch w.processItem(ctx, it) {
		case outcomePosted:
			res.Posted++
		case outcomeFailed:
			res.Failed++
		case outcomeCircuitOpen:
			res.Stop, res.Deferred = StopCircuitOpen, len(items)-i
		case outcomeCanceled:
			res.Stop, res.Deferred = StopCanceled, len(items)-i
		}
		if res.Stop != StopNone {
			break
		}
	}
	return res, nil
}

func usedFor(st ratelimit.Status) int {
	if st.Window == ratelimit.Daily {
		return st.DayUsed
	}
	return st.HourUsed
}

func limitFor(st ratelimit.Status) int {
	if st.Window == ratelimit.Daily {
		return st.DayLimit
	}
	return st.HourLimit
}

// processItem is one item's failure boundary: a panic here fails the item
// instead of the cycle.
func (w *Worker) processItem(ctx context.Context, it storage.Item) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("item panic", logx.String("item_id", it.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			w.fail(ctx, it, fmt.Errorf("panic: %v", r))
			out = outcomeFailed
		}
	}()

	started := w.now()
	err := w.publish(ctx, it.TargetRef, it.Payload)
	switch {
	case err == nil:
		w.succeed(ctx, it, w.now().Sub(started))
		return outcomePosted
	case breaker.IsOpen(err):
		w.log.Debug("circuit open, item left approved", logx.String("item_id", it.ID), logx.Err(err))
		return outcomeCircuitOpen
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// The call did not complete, so nothing is known about the remote side.
		w.log.Info("publish interrupted, item left approved", logx.String("item_id", it.ID))
		return outcomeCanceled
	default:
		w.fail(ctx, it, err)
		return outcomeFailed
	}
}

// publish runs one attempt through the breaker. A false result becomes
// ErrPublishRejected so the breaker counts it.
func (w *Worker) publish(ctx context.Context, targetRef, payload string) error {
	timeout := w.config().PublishTimeout
	_, err := breaker.Call(ctx, w.breaker, func(ctx context.Context) (struct{}, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ok, err := w.pub.Publish(ctx, targetRef, payload)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, ErrPublishRejected
		}
		return struct{}{}, nil
	})
	return err
}

// storeCtx detaches post-publish writes from cancellation so a confirmed
// outcome is always persisted.
func storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

func (w *Worker) succeed(ctx context.Context, it storage.Item, latency time.Duration) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()

	now := w.now()
	w.limiter.RecordPost()
	if err := w.queue.MarkPosted(sctx, it.ID, now); err != nil {
		w.log.Error("mark posted failed", logx.String("item_id", it.ID), logx.Err(err))
	}
	if n, err := w.dlq.ResolveDeadLetters(sctx, it.ID, now); err != nil {
		w.log.Warn("resolve dead letters failed", logx.String("item_id", it.ID), logx.Err(err))
	} else if n > 0 {
		w.log.Info("dead letters resolved by main loop", logx.String("item_id", it.ID), logx.Int("count", n))
	}

	w.log.Info("item posted", logx.String("item_id", it.ID), logx.String("target", it.TargetRef), logx.Duration("latency", latency))
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeItemPosted, Data: eventbus.ItemEvent{ItemID: it.ID, TargetRef: it.TargetRef, Latency: latency}})
	w.notify.Notify(ctx, notifier.SeverityInfo, "published", "reply published", map[string]any{
		"item_id": it.ID,
		"target":  it.TargetRef,
	})
}

func (w *Worker) fail(ctx context.Context, it storage.Item, cause error) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()

	cfg := w.config()
	now := w.now()
	text := failureText(cause)
	permanent := retry.IsPermanent(cause)

	if err := w.queue.MarkFailed(sctx, it.ID, text); err != nil {
		w.log.Error("mark failed failed", logx.String("item_id", it.ID), logx.Err(err))
	}

	entry, err := w.recordDeadLetter(sctx, it, text, permanent, cfg.DLQMaxRetries, now)
	if err != nil {
		w.log.Error("dead letter write failed", logx.String("item_id", it.ID), logx.Err(err))
	}

	w.log.Warn("publish failed", logx.String("item_id", it.ID), logx.String("target", it.TargetRef), logx.Err(cause))
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeItemFailed, Data: eventbus.ItemEvent{ItemID: it.ID, TargetRef: it.TargetRef, Error: text}})

	sev, category := notifier.SeverityCritical, "publish_error"
	if errors.Is(cause, ErrPublishRejected) {
		sev, category = notifier.SeverityError, "publish_failed"
	}
	details := map[string]any{
		"item_id":     it.ID,
		"target":      it.TargetRef,
		"error":       text,
		"retry_count": entry.RetryCount,
		"dlq_status":  string(entry.Status),
	}
	if isAmbiguous(cause) {
		details["ambiguous"] = "the post may have gone through; a retry can double-post"
	}
	w.notify.Notify(ctx, sev, category, "publish attempt failed", details)
}

// recordDeadLetter increments the item's live entry, or creates one with
// retry_count 0. A permanent error creates the entry already exhausted.
func (w *Worker) recordDeadLetter(ctx context.Context, it storage.Item, text string, permanent bool, maxRetries int, now time.Time) (storage.DeadLetter, error) {
	live, ok, err := w.dlq.LiveDeadLetter(ctx, it.ID)
	if err != nil {
		return storage.DeadLetter{}, err
	}
	if ok {
		d, err := w.dlq.UpdateAfterRetry(ctx, live.ID, storage.RetryResult{
			Error: text, MaxRetries: maxRetries, Permanent: permanent, At: now,
		})
		if err == nil {
			w.publishDLQ(d)
		}
		return d, err
	}

	d := storage.DeadLetter{
		QueueItemID: it.ID,
		TargetRef:   it.TargetRef,
		Error:       text,
		Status:      storage.DeadLetterPending,
		CreatedAt:   now,
	}
	if permanent {
		d.RetryCount, d.Status = maxRetries, storage.DeadLetterExhausted
	}
	id, err := w.dlq.AddDeadLetter(ctx, d)
	if err != nil {
		return d, err
	}
	d.ID = id
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeDLQAdded, Data: eventbus.DLQEvent{
		EntryID: id, QueueItemID: it.ID, RetryCount: d.RetryCount, Error: text,
	}})
	return d, nil
}

// failureText flags deadline failures as ambiguous: the remote call may have
// succeeded after the local deadline.
func failureText(err error) string {
	if isAmbiguous(err) {
		return "ambiguous: " + err.Error()
	}
	return err.Error()
}

func isAmbiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) finishCycle(start time.Time, res CycleResult) {
	w.stMu.Lock()
	w.status.LastCycle = start
	w.status.LastResult = res
	w.status.Cycles++
	w.status.TotalPosted += res.Posted
	w.status.TotalFailed += res.Failed
	w.stMu.Unlock()

	if res.Due > 0 {
		w.log.Debug("cycle finished",
			logx.Int("due", res.Due), logx.Int("posted", res.Posted), logx.Int("failed", res.Failed),
			logx.Int("deferred", res.Deferred), logx.String("stop", string(res.Stop)), logx.Duration("took", res.Took))
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: eventbus.CycleEvent{
		Processed: res.Posted + res.Failed, Posted: res.Posted, Failed: res.Failed,
		Skipped: res.Deferred, StopReason: string(res.Stop), Took: res.Took,
	}})
}
