package worker

import (
	"context"
	"errors"
	"fmt"

	"replybot/internal/breaker"
	"replybot/internal/eventbus"
	"replybot/internal/notifier"
	"replybot/internal/retry"
	"replybot/internal/storage"
	logx "replybot/pkg/logx"
)

type DLQResult struct {
	Attempted int        `json:"attempted"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Exhausted int        `json:"exhausted"`
	Resolved  int        `json:"resolved"`
	Skipped   int        `json:"skipped"`
	Stop      StopReason `json:"stop,omitempty"`
}

// RetryDeadLetters republishes pending entries below the retry ceiling,
// oldest first, through the same limiter and breaker as the main loop.
//
// Entries whose item was posted since are resolved without publishing.
// Entries whose item is approved again belong to the main loop and are
// skipped. An open breaker or a rate limit block ends the pass without
// counting a retry.
func (w *Worker) RetryDeadLetters(ctx context.Context) (DLQResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	cfg := w.config()
	var res DLQResult
	defer func() {
		w.stMu.Lock()
		w.status.LastDLQPass = w.now()
		w.status.LastDLQ = res
		w.stMu.Unlock()
	}()

	entries, err := w.dlq.PendingDeadLetters(ctx, cfg.DLQMaxRetries, cfg.DLQBatchSize)
	if err != nil {
		return res, fmt.Errorf("fetch pending dead letters: %w", err)
	}

	for _, d := range entries {
		if ctx.Err() != nil {
			res.Stop = StopCanceled
			break
		}

		it, err := w.queue.Get(ctx, d.QueueItemID)
		if errors.Is(err, storage.ErrNotFound) {
			w.retryFailed(ctx, d, retry.Permanent(errors.New("queue item no longer exists")), cfg.DLQMaxRetries, &res)
			continue
		}
		if err != nil {
			w.log.Warn("dead letter item lookup failed", logx.String("entry_id", d.ID), logx.Err(err))
			res.Skipped++
			continue
		}

		switch it.Status {
		case storage.StatusPosted:
			w.resolve(ctx, d, &res)
			continue
		case storage.StatusRejected:
			w.retryFailed(ctx, d, retry.Permanent(errors.New("queue item was rejected")), cfg.DLQMaxRetries, &res)
			continue
		case storage.StatusApproved, storage.StatusPending:
			res.Skipped++
			continue
		}

		if !w.limiter.CanPost() {
			res.Stop = StopRateLimited
			break
		}

		err = w.publish(ctx, it.TargetRef, it.Payload)
		switch {
		case breaker.IsOpen(err):
			res.Stop = StopCircuitOpen
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			res.Stop = StopCanceled
		case err == nil:
			res.Attempted++
			w.retrySucceeded(ctx, d, it, &res)
		default:
			res.Attempted++
			w.retryFailed(ctx, d, err, cfg.DLQMaxRetries, &res)
		}
		if res.Stop != StopNone {
			break
		}
	}

	if len(entries) > 0 {
		w.log.Info("dead letter pass finished",
			logx.Int("entries", len(entries)), logx.Int("succeeded", res.Succeeded), logx.Int("failed", res.Failed),
			logx.Int("exhausted", res.Exhausted), logx.Int("resolved", res.Resolved), logx.String("stop", string(res.Stop)))
	}
	return res, nil
}

func (w *Worker) resolve(ctx context.Context, d storage.DeadLetter, res *DLQResult) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()
	if _, err := w.dlq.UpdateAfterRetry(sctx, d.ID, storage.RetryResult{Success: true, At: w.now()}); err != nil {
		w.log.Warn("resolve dead letter failed", logx.String("entry_id", d.ID), logx.Err(err))
		return
	}
	res.Resolved++
}

func (w *Worker) retrySucceeded(ctx context.Context, d storage.DeadLetter, it storage.Item, res *DLQResult) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()

	now := w.now()
	w.limiter.RecordPost()
	if err := w.queue.MarkPosted(sctx, it.ID, now); err != nil {
		w.log.Error("mark posted failed", logx.String("item_id", it.ID), logx.Err(err))
	}
	updated, err := w.dlq.UpdateAfterRetry(sctx, d.ID, storage.RetryResult{Success: true, At: now})
	if err != nil {
		w.log.Error("dead letter update failed", logx.String("entry_id", d.ID), logx.Err(err))
		updated = d
		updated.Status = storage.DeadLetterRetried
	}
	res.Succeeded++

	w.log.Info("dead letter retried", logx.String("entry_id", d.ID), logx.String("item_id", it.ID), logx.Int("retry_count", d.RetryCount))
	w.publishDLQ(updated)
	w.bus.Publish(eventbus.Event{Type: eventbus.TypeItemPosted, Data: eventbus.ItemEvent{ItemID: it.ID, TargetRef: it.TargetRef}})
	w.notify.Notify(ctx, notifier.SeverityInfo, "dlq_retried", "dead letter republished", map[string]any{
		"item_id":     it.ID,
		"target":      it.TargetRef,
		"retry_count": d.RetryCount,
	})
}

func (w *Worker) retryFailed(ctx context.Context, d storage.DeadLetter, cause error, maxRetries int, res *DLQResult) {
	sctx, cancel := storeCtx(ctx)
	defer cancel()

	text := failureText(cause)
	updated, err := w.dlq.UpdateAfterRetry(sctx, d.ID, storage.RetryResult{
		Error:      text,
		MaxRetries: maxRetries,
		Permanent:  retry.IsPermanent(cause),
		At:         w.now(),
	})
	if err != nil {
		w.log.Error("dead letter update failed", logx.String("entry_id", d.ID), logx.Err(err))
		return
	}
	if err := w.queue.MarkFailed(sctx, d.QueueItemID, text); err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrInvalidTransition) {
		w.log.Warn("mark failed failed", logx.String("item_id", d.QueueItemID), logx.Err(err))
	}
	w.publishDLQ(updated)

	if updated.Status != storage.DeadLetterExhausted {
		res.Failed++
		w.log.Warn("dead letter retry failed",
			logx.String("entry_id", d.ID), logx.Int("retry_count", updated.RetryCount), logx.Int("max", maxRetries), logx.Err(cause))
		return
	}
	res.Exhausted++
	details := map[string]any{
		"entry_id":    d.ID,
		"item_id":     d.QueueItemID,
		"target":      d.TargetRef,
		"retry_count": updated.RetryCount,
		"error":       text,
	}
	if isAmbiguous(cause) {
		details["ambiguous"] = "the post may have gone through; check before requeueing"
	}
	w.notify.Notify(ctx, notifier.SeverityCritical, "dlq_exhausted", "dead letter retries exhausted", details)
}

func (w *Worker) publishDLQ(d storage.DeadLetter) {
	typ := eventbus.TypeDLQRetried
	if d.Status == storage.DeadLetterExhausted {
		typ = eventbus.TypeDLQExhausted
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.DLQEvent{
		EntryID: d.ID, QueueItemID: d.QueueItemID, RetryCount: d.RetryCount, Error: d.Error,
	}})
}
