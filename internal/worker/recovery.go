package worker

import (
	"context"
	"fmt"

	"replybot/internal/eventbus"
	"replybot/internal/notifier"
	"replybot/internal/storage"
	logx "replybot/pkg/logx"
)

type RecoveryReport struct {
	Recovered   int
	DeadLetters storage.DeadLetterStats
}

// Recover runs once at startup. Failed items are assumed to be interrupted
// attempts and go back to approved, except those whose dead letter entry is
// exhausted. The dead letter backlog is reported but never blocks startup:
// a stats error is logged and returned in the report as zero counts.
func (w *Worker) Recover(ctx context.Context) (RecoveryReport, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	var rep RecoveryReport
	n, err := w.queue.RecoverStale(ctx, w.config().RecoverStaleAfter)
	if err != nil {
		return rep, fmt.Errorf("recover failed items: %w", err)
	}
	rep.Recovered = n
	if n > 0 {
		w.log.Info("re-promoted failed items", logx.Int("count", n))
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeItemRecovered, Data: eventbus.CycleEvent{Recovered: n}})
	}

	stats, err := w.dlq.DeadLetterStats(ctx)
	if err != nil {
		w.log.Warn("dead letter stats unavailable", logx.Err(err))
	} else {
		rep.DeadLetters = stats
		w.log.Info("dead letter backlog", logx.Int("pending", stats.Pending), logx.Int("exhausted", stats.Exhausted))
		if stats.Exhausted > 0 {
			w.notify.Notify(ctx, notifier.SeverityWarning, "dlq_backlog", "exhausted dead letters need attention", map[string]any{
				"pending":   stats.Pending,
				"exhausted": stats.Exhausted,
			})
		}
	}

	w.stMu.Lock()
	w.status.Recovered += n
	w.stMu.Unlock()
	return rep, nil
}
