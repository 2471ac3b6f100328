package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replybot/internal/config"
	logx "replybot/pkg/logx"
)

const (
	jobDLQRetry = "dlq.retry"
	jobDigest   = "digest"
	jobBacklog  = "metrics.backlog"

	backlogSpec = "every:1m"
)

// registerJobs (re)installs the periodic jobs for rt. An empty schedule removes
// the job, so a reload can switch the DLQ pass or the digest off.
func (a *App) registerJobs(rt *config.Runtime) error {
	var errs []error
	install := func(name, spec string, timeout time.Duration, job func(context.Context) error) {
		if spec == "" {
			if a.sched.Remove(name) {
				a.log.Info("job removed", logx.String("job", name))
			}
			return
		}
		if err := a.sched.Add(name, spec, timeout, job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", name, err))
		}
	}
	install(jobDLQRetry, rt.DLQSchedule, 5*time.Minute, a.runDLQPass)
	install(jobDigest, rt.DigestSchedule, time.Minute, a.runDigest)
	install(jobBacklog, backlogSpec, 30*time.Second, a.refreshBacklog)
	return errors.Join(errs...)
}

func (a *App) runDLQPass(ctx context.Context) error {
	res, err := a.worker.RetryDeadLetters(ctx)
	if err != nil {
		return err
	}
	if res.Attempted > 0 || res.Resolved > 0 {
		a.log.Info("dlq pass",
			logx.Int("attempted", res.Attempted),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("exhausted", res.Exhausted),
			logx.Int("resolved", res.Resolved),
			logx.String("stop", string(res.Stop)),
		)
	}
	return nil
}

// runDigest sends the daily summary at INFO.
func (a *App) runDigest(ctx context.Context) error {
	snap, err := a.worker.Snapshot(ctx, a.location())
	if err != nil {
		a.log.Warn("digest snapshot incomplete", logx.Err(err))
	}
	a.notif.Info(ctx, "digest", "Daily summary", map[string]any{
		"posted_today":   snap.PostedToday,
		"pending":        snap.Pending,
		"dlq_pending":    snap.DeadLetters.Pending,
		"dlq_exhausted":  snap.DeadLetters.Exhausted,
		"hour_used":      fmt.Sprintf("%d/%d", snap.RateLimit.HourUsed, snap.RateLimit.HourLimit),
		"day_used":       fmt.Sprintf("%d/%d", snap.RateLimit.DayUsed, snap.RateLimit.DayLimit),
		"breaker":        string(snap.Breaker.State),
		"total_failures": snap.Worker.TotalFailed,
	})
	return nil
}

func (a *App) refreshBacklog(ctx context.Context) error {
	pending, err := a.store.CountPending(ctx)
	if err != nil {
		return err
	}
	stats, err := a.store.DeadLetterStats(ctx)
	if err != nil {
		return err
	}
	a.metrics.SetBacklog(pending, stats.Pending, stats.Exhausted)
	return nil
}
