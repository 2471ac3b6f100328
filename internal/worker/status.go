package worker

import (
	"context"
	"errors"
	"time"

	"replybot/internal/breaker"
	"replybot/internal/ratelimit"
	"replybot/internal/storage"
)

// Status is the worker's own counters.
type Status struct {
	Cycles      int         `json:"cycles"`
	LastCycle   time.Time   `json:"last_cycle"`
	LastResult  CycleResult `json:"last_result"`
	TotalPosted int         `json:"total_posted"`
	TotalFailed int         `json:"total_failed"`
	LastDLQPass time.Time   `json:"last_dlq_pass"`
	LastDLQ     DLQResult   `json:"last_dlq"`
	Recovered   int         `json:"recovered"`
}

func (w *Worker) Status() Status {
	w.stMu.Lock()
	defer w.stMu.Unlock()
	return w.status
}

// Snapshot combines worker, store, limiter and breaker state for operators.
type Snapshot struct {
	Worker      Status                  `json:"worker"`
	Pending     int                     `json:"queue_pending"`
	PostedToday int                     `json:"posted_today"`
	DeadLetters storage.DeadLetterStats `json:"dead_letters"`
	RateLimit   ratelimit.Status        `json:"rate_limit"`
	Breaker     breaker.Status          `json:"breaker"`
}

// Snapshot reads counts from the stores. Store errors leave the affected
// counts at zero and are returned joined with the snapshot.
func (w *Worker) Snapshot(ctx context.Context, loc *time.Location) (Snapshot, error) {
	s := Snapshot{
		Worker:    w.Status(),
		RateLimit: w.limiter.Status(),
		Breaker:   w.breaker.Status(),
	}
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	s.Pending, err = w.queue.CountPending(ctx)
	keep(err)
	s.PostedToday, err = w.queue.CountPostedSince(ctx, startOfDay(w.now(), loc))
	keep(err)
	s.DeadLetters, err = w.dlq.DeadLetterStats(ctx)
	keep(err)
	return s, errors.Join(errs...)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
