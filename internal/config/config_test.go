package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"replybot/internal/notifier"
	logx "replybot/pkg/logx"
)

const sampleYAML = `
timezone: UTC
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  group_log: "-1001/7"
logging:
  level: info
  console: true
storage:
  driver: memory
schedule:
  min_delay_minutes: 10
  max_delay_minutes: 30
  quiet_hours_start: 23
  quiet_hours_end: 6
rate_limit:
  max_posts_per_hour: 5
  max_posts_per_day: 20
breakers:
  publisher:
    failure_threshold: 3
    recovery_timeout: 2m
worker:
  check_interval: 30s
dlq:
  max_retry_count: 4
publisher:
  kind: telegram
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoad_YAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, t.TempDir(), "config.yaml", sampleYAML))
	_, rt, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rt.Location.String() != "UTC" {
		t.Fatalf("location=%s", rt.Location)
	}
	if rt.Telegram.GroupLog.ChatID != -1001 || rt.Telegram.GroupLog.ThreadID != 7 {
		t.Fatalf("group log=%+v", rt.Telegram.GroupLog)
	}
	if !rt.Telegram.IsOwner(42) || rt.Telegram.IsOwner(7) {
		t.Fatalf("owner check wrong")
	}
	if rt.Timing.MinDelay != 10*time.Minute || rt.Timing.QuietStart != 23 || rt.Timing.QuietEnd != 6 {
		t.Fatalf("timing=%+v", rt.Timing)
	}
	if rt.RateLimit.PerHour != 5 || rt.RateLimit.PerDay != 20 {
		t.Fatalf("rate=%+v", rt.RateLimit)
	}
	if b := rt.Breakers[PublisherBreaker]; b.FailureThreshold != 3 || b.RecoveryTimeout != 2*time.Minute {
		t.Fatalf("breaker=%+v", b)
	}
	if rt.Worker.Interval != 30*time.Second || rt.Worker.DLQMaxRetries != 4 {
		t.Fatalf("worker=%+v", rt.Worker)
	}
	if rt.DLQSchedule != defaultDLQSchedule {
		t.Fatalf("dlq schedule=%q", rt.DLQSchedule)
	}
	if !rt.Notifier.Enabled || rt.Notifier.MinLevel != notifier.SeverityWarning || rt.Notifier.Target.ChatID != -1001 {
		t.Fatalf("notifier=%+v", rt.Notifier)
	}
	if m.Runtime() != rt {
		t.Fatalf("runtime not committed")
	}
}

func TestLoad_ExplicitZeroQuietHour(t *testing.T) {
	t.Parallel()

	body := `{"schedule":{"quiet_hours_start":0,"quiet_hours_end":0},"storage":{"driver":"memory"}}`
	m := NewConfigManager(writeFile(t, t.TempDir(), "config.json", body))
	_, rt, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rt.Timing.QuietStart != 0 || rt.Timing.QuietEnd != 0 {
		t.Fatalf("quiet hours=%d-%d", rt.Timing.QuietStart, rt.Timing.QuietEnd)
	}
	// No token and no chat: alerts are log-only.
	if rt.Notifier.Enabled {
		t.Fatalf("notifier should be disabled without a destination")
	}
}

func TestParse_Strict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"unknown.json":  `{"telegram":{"token":"x"},"bogus":1}`,
		"trailing.json": `{} {}`,
		"unknown.yaml":  "worker:\n  interval: 10s\n",
	}
	for name, body := range cases {
		m := NewConfigManager(writeFile(t, dir, name, body))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	t.Parallel()

	seven := 7
	bad := 30
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad duration", Config{Worker: WorkerConfig{CheckInterval: "soon"}}, "worker.check_interval"},
		{"quiet hour range", Config{Schedule: ScheduleConfig{QuietHoursStart: &bad, QuietHoursEnd: &seven}}, "quiet_hours_start"},
		{"max below min", Config{Schedule: ScheduleConfig{MinDelayMinutes: 60, MaxDelayMinutes: 10}}, "below min delay"},
		{"day below hour", Config{RateLimit: RateLimitConfig{MaxPostsPerHour: 10, MaxPostsPerDay: 5}}, "max_posts_per_day"},
		{"threshold", Config{RateLimit: RateLimitConfig{WarningThreshold: 1.5}}, "warning_threshold"},
		{"unknown breaker", Config{Breakers: map[string]BreakerConfig{"db": {}}}, "breakers.db"},
		{"telegram publisher without token", Config{Publisher: PublisherConfig{Kind: "telegram"}}, "telegram.token"},
		{"webhook without url", Config{Publisher: PublisherConfig{Kind: "webhook"}}, "webhook.url"},
		{"unknown publisher", Config{Publisher: PublisherConfig{Kind: "fax"}}, "publisher.kind"},
		{"postgres without dsn", Config{Storage: &StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"bad group log", Config{Telegram: TelegramConfig{GroupLog: "abc"}}, "group_log"},
		{"group log with message", Config{Telegram: TelegramConfig{GroupLog: "-100:5"}}, "message id"},
		{"bad dlq schedule", Config{DLQ: DLQConfig{RetrySchedule: "every:banana"}}, "dlq.retry_schedule"},
		{"bad notifier level", Config{Notifier: &NotifierConfig{MinLevel: "loud"}}, "notifier.min_level"},
		{"bad timezone", Config{Timezone: "Mars/Base"}, "timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			_, err := Resolve(&cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want mention of %q", err, tc.want)
			}
		})
	}
}

func TestResolve_DLQScheduleOff(t *testing.T) {
	t.Parallel()

	rt, err := Resolve(&Config{DLQ: DLQConfig{RetrySchedule: "off"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rt.DLQSchedule != "" {
		t.Fatalf("schedule=%q", rt.DLQSchedule)
	}
}

func TestReload_KeepsPreviousOnInvalid(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx := context.Background()
	if changed, err := m.Reload(ctx); err != nil || changed {
		t.Fatalf("unchanged reload: changed=%v err=%v", changed, err)
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "max_posts_per_hour: 5", "max_posts_per_hour: 50", 1))
	if _, err := m.Reload(ctx); err == nil {
		t.Fatalf("expected validation error (day below hour)")
	}
	if m.Get().RateLimit.MaxPostsPerHour != 5 {
		t.Fatalf("invalid config was committed")
	}

	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "max_posts_per_hour: 5", "max_posts_per_hour: 8", 1))
	if changed, err := m.Reload(ctx); err != nil || !changed {
		t.Fatalf("valid reload: changed=%v err=%v", changed, err)
	}
	select {
	case cfg := <-sub:
		if cfg.RateLimit.MaxPostsPerHour != 8 {
			t.Fatalf("published=%d", cfg.RateLimit.MaxPostsPerHour)
		}
	default:
		t.Fatalf("no config published")
	}
}

func TestWatch_PublishesChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", sampleYAML)
	m := NewConfigManager(path)
	if _, _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", strings.Replace(sampleYAML, "check_interval: 30s", "check_interval: 45s", 1))

	select {
	case cfg := <-sub:
		if cfg.Worker.CheckInterval != "45s" {
			t.Fatalf("interval=%q", cfg.Worker.CheckInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no reload observed")
	}
	cancel()
	<-done
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram:  TelegramConfig{Token: "a"},
		RateLimit: RateLimitConfig{MaxPostsPerHour: 5},
		Admin:     AdminConfig{Token: "secret-one"},
	}
	newCfg := &Config{
		Telegram:  TelegramConfig{Token: "b"},
		RateLimit: RateLimitConfig{MaxPostsPerHour: 6},
		Admin:     AdminConfig{Token: "secret-two"},
		Storage:   &StorageConfig{Driver: "postgres", DSN: "postgres://x"},
	}
	ch := SummarizeConfigChange(oldCfg, newCfg)

	want := []string{"admin", "rate_limit", "storage", "telegram"}
	if strings.Join(ch.Sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections=%v", ch.Sections)
	}
	if strings.Join(ch.Restart, ",") != "storage,telegram" {
		t.Fatalf("restart=%v", ch.Restart)
	}
	if !ch.Has("rate_limit") || ch.Has("worker") {
		t.Fatalf("Has mismatch")
	}
	if SummarizeConfigChange(oldCfg, oldCfg).Empty() != true {
		t.Fatalf("identical configs should produce no change")
	}
}
