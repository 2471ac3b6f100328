package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"replybot/internal/config"
	"replybot/internal/eventbus"
	"replybot/internal/storage"
	logx "replybot/pkg/logx"
)

const listLimit = 10

func (a *App) operatorCommands() []Command {
	return []Command{
		{Name: "status", Description: "queue, limits and breaker state", Handle: a.cmdStatus},
		{Name: "queue", Usage: "/queue [status] [limit]", Description: "list queued items", Handle: a.cmdQueue},
		{Name: "approve", Usage: "/approve <id>", Description: "approve and schedule an item", Handle: a.cmdApprove},
		{Name: "reject", Usage: "/reject <id>", Description: "reject a pending item", Handle: a.cmdReject},
		{Name: "dlq", Usage: "/dlq [pending|exhausted|retried]", Description: "list dead letters", Handle: a.cmdDLQ},
		{Name: "retry", Description: "run a dead letter retry pass now", Timeout: 2 * time.Minute, Handle: a.cmdRetry},
		{Name: "reset_breaker", Usage: "/reset_breaker [name]", Description: "close a circuit breaker", Handle: a.cmdResetBreaker},
		{Name: "jobs", Description: "list scheduled jobs", Handle: a.cmdJobs},
	}
}

func (a *App) audit(ctx context.Context, req *Request, action, target string, err error) {
	e := storage.AuditEntry{
		At:     a.now(),
		Actor:  strconv.FormatInt(req.FromID, 10),
		Source: "telegram",
		Action: action,
		Target: target,
		OK:     err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := a.store.AppendAudit(actx, e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		a.log.Warn("audit write failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (a *App) cmdStatus(ctx context.Context, _ *Request) (string, error) {
	snap, err := a.worker.Snapshot(ctx, a.location())
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending approval, %d posted today\n", snap.Pending, snap.PostedToday)
	rl := snap.RateLimit
	fmt.Fprintf(&b, "Rate: %d/%d this hour, %d/%d today", rl.HourUsed, rl.HourLimit, rl.DayUsed, rl.DayLimit)
	if rl.Blocked {
		fmt.Fprintf(&b, " (blocked on %s for %s)", rl.Window, rl.Wait.Round(time.Second))
	}
	b.WriteString("\n")
	for _, st := range a.breakers.Statuses() {
		fmt.Fprintf(&b, "Breaker %s: %s, %d/%d failures", st.Name, st.State, st.Failures, st.FailureThreshold)
		if st.Remaining > 0 {
			fmt.Fprintf(&b, ", probe in %s", st.Remaining.Round(time.Second))
		}
		b.WriteString("\n")
	}
	dl := snap.DeadLetters
	fmt.Fprintf(&b, "DLQ: %d pending, %d exhausted, %d retried\n", dl.Pending, dl.Exhausted, dl.Retried)
	ws := snap.Worker
	if !ws.LastCycle.IsZero() {
		fmt.Fprintf(&b, "Last cycle: %s, due=%d posted=%d failed=%d",
			ws.LastCycle.In(a.location()).Format("15:04:05"),
			ws.LastResult.Due, ws.LastResult.Posted, ws.LastResult.Failed)
		if ws.LastResult.Stop != "" {
			fmt.Fprintf(&b, " stop=%s", ws.LastResult.Stop)
		}
	}
	if err != nil {
		fmt.Fprintf(&b, "\n(partial: %v)", err)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *App) cmdQueue(ctx context.Context, req *Request) (string, error) {
	status := storage.StatusApproved
	limit := listLimit
	for _, arg := range req.Args {
		if n, err := strconv.Atoi(arg); err == nil {
			if n > 0 && n <= 100 {
				limit = n
			}
			continue
		}
		s := storage.Status(strings.ToLower(arg))
		if !s.Valid() {
			return "", fmt.Errorf("unknown status %q", arg)
		}
		status = s
	}
	items, err := a.store.List(ctx, status, limit)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return fmt.Sprintf("No %s items.", status), nil
	}
	loc := a.location()
	var b strings.Builder
	fmt.Fprintf(&b, "%s items (%d):\n", status, len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "%s %s", it.ID, it.TargetRef)
		if !it.ScheduledAt.IsZero() {
			fmt.Fprintf(&b, " at %s", it.ScheduledAt.In(loc).Format("Jan 02 15:04"))
			if status == storage.StatusApproved {
				fmt.Fprintf(&b, " (%s)", a.calc.DelayDescription(it.ScheduledAt))
			}
		}
		if it.Error != "" {
			fmt.Fprintf(&b, " err=%s", truncate(it.Error, 60))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *App) cmdApprove(ctx context.Context, req *Request) (string, error) {
	id, err := oneArg(req, "/approve <id>")
	if err != nil {
		return "", err
	}
	at := a.calc.ScheduleTime(a.now())
	err = a.store.Approve(ctx, id, at)
	a.audit(ctx, req, "item.approve", id, err)
	if err != nil {
		return "", storeMessage(err)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeItemApproved, Time: a.now(), Data: eventbus.ItemEvent{ItemID: id}})
	return fmt.Sprintf("Approved %s, posting at %s (%s).",
		id, at.In(a.location()).Format("Jan 02 15:04"), a.calc.DelayDescription(at)), nil
}

func (a *App) cmdReject(ctx context.Context, req *Request) (string, error) {
	id, err := oneArg(req, "/reject <id>")
	if err != nil {
		return "", err
	}
	err = a.store.Reject(ctx, id)
	a.audit(ctx, req, "item.reject", id, err)
	if err != nil {
		return "", storeMessage(err)
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeItemRejected, Time: a.now(), Data: eventbus.ItemEvent{ItemID: id}})
	return fmt.Sprintf("Rejected %s.", id), nil
}

func (a *App) cmdDLQ(ctx context.Context, req *Request) (string, error) {
	status := storage.DeadLetterPending
	if len(req.Args) > 0 {
		switch strings.ToLower(req.Args[0]) {
		case "pending":
		case "exhausted":
			status = storage.DeadLetterExhausted
		case "retried":
			status = storage.DeadLetterRetried
		default:
			return "", fmt.Errorf("unknown dead letter status %q", req.Args[0])
		}
	}
	stats, err := a.store.DeadLetterStats(ctx)
	if err != nil {
		return "", err
	}
	list, err := a.store.ListDeadLetters(ctx, status, listLimit)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "DLQ: %d pending, %d exhausted, %d retried\n", stats.Pending, stats.Exhausted, stats.Retried)
	for _, d := range list {
		fmt.Fprintf(&b, "%s item=%s retries=%d %s\n", d.ID, d.QueueItemID, d.RetryCount, truncate(d.Error, 60))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *App) cmdRetry(ctx context.Context, req *Request) (string, error) {
	res, err := a.worker.RetryDeadLetters(ctx)
	a.audit(ctx, req, "dlq.retry", "", err)
	if err != nil {
		return "", err
	}
	text := fmt.Sprintf("DLQ pass: attempted=%d succeeded=%d failed=%d exhausted=%d resolved=%d skipped=%d",
		res.Attempted, res.Succeeded, res.Failed, res.Exhausted, res.Resolved, res.Skipped)
	if res.Stop != "" {
		text += " stopped=" + string(res.Stop)
	}
	return text, nil
}

func (a *App) cmdResetBreaker(ctx context.Context, req *Request) (string, error) {
	name := config.PublisherBreaker
	if len(req.Args) > 0 {
		name = req.Args[0]
	}
	var err error
	if !a.breakers.Reset(name) {
		err = fmt.Errorf("unknown breaker %q", name)
	}
	a.audit(ctx, req, "breaker.reset", name, err)
	if err != nil {
		return "", err
	}
	a.worker.Wake()
	return fmt.Sprintf("Breaker %s reset to closed.", name), nil
}

func (a *App) cmdJobs(context.Context, *Request) (string, error) {
	jobs := a.sched.Snapshot()
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	loc := a.location()
	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s [%s] runs=%d", j.Name, j.Spec, j.Runs)
		if !j.Next.IsZero() {
			fmt.Fprintf(&b, " next=%s", j.Next.In(loc).Format("Jan 02 15:04"))
		}
		if j.LastErr != "" {
			fmt.Fprintf(&b, " last_err=%s", truncate(j.LastErr, 60))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func oneArg(req *Request, usage string) (string, error) {
	if len(req.Args) != 1 || strings.TrimSpace(req.Args[0]) == "" {
		return "", fmt.Errorf("usage: %s", usage)
	}
	return strings.TrimSpace(req.Args[0]), nil
}

func storeMessage(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errors.New("no such item")
	case errors.Is(err, storage.ErrInvalidTransition):
		return errors.New("item is not pending")
	case errors.Is(err, storage.ErrDisabled):
		return errors.New("storage is disabled")
	}
	return err
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
