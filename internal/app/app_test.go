package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"replybot/internal/breaker"
	"replybot/internal/config"
	"replybot/internal/storage"
	kit "replybot/internal/transport"
)

const headlessConfig = `{
  "timezone": "UTC",
  "telegram": {"owner_user_ids": [42]},
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "publisher": {"kind": "dryrun"},
  "rate_limit": {"max_posts_per_hour": 5, "max_posts_per_day": 20},
  "worker": {"check_interval": "1h"},
  "dlq": {"retry_schedule": "off"}
}`

type fakeSender struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return kit.MessageRef{MessageID: len(f.texts)}, nil
}

func (f *fakeSender) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(writeConfig(t, t.TempDir(), headlessConfig))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

// withCommands swaps in a command router that replies through fs.
func withCommands(t *testing.T, a *App) *fakeSender {
	t.Helper()
	fs := &fakeSender{}
	a.cmds = NewCommands(a.log, fs, a.Runtime().Telegram.Owners)
	a.cmds.Register(a.operatorCommands())
	t.Cleanup(func() { _ = a.store.Close() })
	return fs
}

func command(from int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1, ChatID: 100, FromID: from, Text: text}}
}

func TestApp_StartStopHeadless(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	if a.adapter != nil {
		t.Fatalf("adapter built without a token")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	jobs := map[string]bool{}
	for _, j := range a.sched.Snapshot() {
		jobs[j.Name] = true
	}
	if !jobs[jobBacklog] || jobs[jobDLQRetry] || jobs[jobDigest] {
		t.Fatalf("jobs=%v", jobs)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("app context still live after stop")
	}
}

func TestApp_ApplyConfigReschedulesAndRelimits(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	t.Cleanup(func() { _ = a.store.Close() })
	prev := a.cfgm.Get()

	body := strings.Replace(headlessConfig, `"max_posts_per_hour": 5`, `"max_posts_per_hour": 2`, 1)
	body = strings.Replace(body, `"retry_schedule": "off"`, `"retry_schedule": "every:30m"`, 1)
	next, err := config.NewConfigManager(writeConfig(t, t.TempDir(), body)).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	a.applyConfig(context.Background(), prev, next)

	if got := a.limiter.Status().HourLimit; got != 2 {
		t.Fatalf("hour limit=%d want 2", got)
	}
	found := false
	for _, j := range a.sched.Snapshot() {
		if j.Name == jobDLQRetry {
			found = true
		}
	}
	if !found {
		t.Fatalf("dlq job not registered after reload")
	}
	if a.Runtime().RateLimit.PerHour != 2 {
		t.Fatalf("runtime not swapped")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		name string
		args []string
		ok   bool
	}{
		{"/status", "status", nil, true},
		{"/Approve@replybot abc", "approve", []string{"abc"}, true},
		{"  /queue failed 5 ", "queue", []string{"failed", "5"}, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
		{"/@bot", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := ParseCommand(tc.in)
		if ok != tc.ok || name != tc.name || strings.Join(args, ",") != strings.Join(tc.args, ",") {
			t.Fatalf("%q: got (%q, %v, %v)", tc.in, name, args, ok)
		}
	}
}

func TestCommands_OwnerOnly(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	fs := withCommands(t, a)

	a.cmds.Handle(context.Background(), command(7, "/status"))
	if fs.count() != 0 {
		t.Fatalf("non-owner got a reply: %q", fs.last())
	}
	a.cmds.Handle(context.Background(), command(42, "/status"))
	if !strings.Contains(fs.last(), "Queue:") || !strings.Contains(fs.last(), "Breaker publisher: closed") {
		t.Fatalf("status reply=%q", fs.last())
	}
	a.cmds.Handle(context.Background(), command(42, "/nope"))
	if !strings.Contains(fs.last(), "unknown command /nope") {
		t.Fatalf("reply=%q", fs.last())
	}
	a.cmds.Handle(context.Background(), command(42, "just chatting"))
	if fs.count() != 2 {
		t.Fatalf("plain text should be ignored, replies=%d", fs.count())
	}
}

func TestCommands_ApproveAndReject(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	fs := withCommands(t, a)
	ctx := context.Background()

	id, err := a.store.Create(ctx, storage.Item{TargetRef: "100:5", Payload: "hi"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := a.store.Create(ctx, storage.Item{TargetRef: "100:6", Payload: "bye"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a.cmds.Handle(ctx, command(42, "/queue pending"))
	if !strings.Contains(fs.last(), id) || !strings.Contains(fs.last(), other) {
		t.Fatalf("queue reply=%q", fs.last())
	}

	a.cmds.Handle(ctx, command(42, "/approve "+id))
	if !strings.Contains(fs.last(), "Approved "+id) {
		t.Fatalf("approve reply=%q", fs.last())
	}
	it, err := a.store.Get(ctx, id)
	if err != nil || it.Status != storage.StatusApproved || !it.ScheduledAt.After(time.Now()) {
		t.Fatalf("item=%+v err=%v", it, err)
	}

	a.cmds.Handle(ctx, command(42, "/reject "+id))
	if !strings.Contains(fs.last(), "error: item is not pending") {
		t.Fatalf("reject approved reply=%q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/reject "+other))
	if it, _ := a.store.Get(ctx, other); it.Status != storage.StatusRejected {
		t.Fatalf("status=%s", it.Status)
	}
	a.cmds.Handle(ctx, command(42, "/approve missing"))
	if !strings.Contains(fs.last(), "no such item") {
		t.Fatalf("reply=%q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/approve"))
	if !strings.Contains(fs.last(), "usage: /approve <id>") {
		t.Fatalf("reply=%q", fs.last())
	}
}

func TestCommands_BreakerAndDLQ(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	fs := withCommands(t, a)
	ctx := context.Background()

	a.pubBreaker.Apply(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = a.pubBreaker.Execute(ctx, func(context.Context) error { return context.DeadlineExceeded })
	if a.pubBreaker.State() != breaker.StateOpen {
		t.Fatalf("breaker should be open")
	}

	a.cmds.Handle(ctx, command(42, "/retry"))
	if !strings.Contains(fs.last(), "DLQ pass: attempted=0") {
		t.Fatalf("retry reply=%q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/reset_breaker"))
	if a.pubBreaker.State() != breaker.StateClosed {
		t.Fatalf("breaker not reset: %q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/reset_breaker bogus"))
	if !strings.Contains(fs.last(), `unknown breaker "bogus"`) {
		t.Fatalf("reply=%q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/dlq"))
	if !strings.Contains(fs.last(), "DLQ: 0 pending") {
		t.Fatalf("dlq reply=%q", fs.last())
	}
	a.cmds.Handle(ctx, command(42, "/help"))
	if !strings.Contains(fs.last(), "/approve <id>") {
		t.Fatalf("help=%q", fs.last())
	}
}
