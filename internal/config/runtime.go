package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"replybot/internal/admin"
	"replybot/internal/breaker"
	"replybot/internal/notifier"
	"replybot/internal/publisher"
	"replybot/internal/ratelimit"
	"replybot/internal/storage"
	"replybot/internal/task/scheduler"
	"replybot/internal/timing"
	kit "replybot/internal/transport"
	"replybot/internal/worker"
	logx "replybot/pkg/logx"
)

// PublisherBreaker is the breaker guarding every publish call.
const PublisherBreaker = "publisher"

const (
	defaultStoragePath   = "./replybot.db"
	defaultDLQSchedule   = "every:15m"
	defaultDigestAt      = "0 21 * * *"
	defaultPollTimeout   = 10 * time.Second
	defaultNotifierLevel = notifier.SeverityWarning
)

// Runtime is a validated Config converted to component settings.
type Runtime struct {
	Location *time.Location

	Telegram  TelegramRuntime
	Logging   logx.Config
	Storage   storage.Config
	Notifier  notifier.Config
	Timing    timing.Config
	RateLimit ratelimit.Config
	Breakers  map[string]breaker.Config
	Worker    worker.Config
	Publisher publisher.Config
	Admin     admin.Config

	// DLQSchedule is empty when the periodic DLQ pass is off.
	DLQSchedule    string
	DigestSchedule string
}

type TelegramRuntime struct {
	Token       string
	PollTimeout time.Duration
	Owners      []int64
	GroupLog    kit.ChatTarget
}

// IsOwner reports whether userID may run operator commands.
func (t TelegramRuntime) IsOwner(userID int64) bool {
	for _, id := range t.Owners {
		if id == userID {
			return true
		}
	}
	return false
}

// Resolve validates cfg and converts it. Every problem is reported, not just the first.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	rt := &Runtime{}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			add(fmt.Errorf("timezone: %w", err))
		} else {
			loc = l
		}
	}
	rt.Location = loc

	// telegram
	tg := cfg.Telegram
	rt.Telegram = TelegramRuntime{
		Token:       strings.TrimSpace(tg.Token),
		PollTimeout: dur("telegram.poll_timeout", tg.PollTimeout),
		Owners:      append([]int64(nil), tg.OwnerUserIDs...),
	}
	if rt.Telegram.PollTimeout <= 0 {
		rt.Telegram.PollTimeout = defaultPollTimeout
	}
	if s := strings.TrimSpace(tg.GroupLog); s != "" {
		t, err := ParseChatTarget(s)
		if err != nil {
			add(fmt.Errorf("telegram.group_log: %w", err))
		}
		rt.Telegram.GroupLog = t
	}

	// logging
	rt.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when the file sink is enabled"))
	}
	if cfg.Logging.Telegram.Enabled && rt.Telegram.GroupLog.IsZero() {
		add(errors.New("logging.telegram needs telegram.group_log"))
	}

	// storage
	st := StorageConfig{Driver: "sqlite", Path: defaultStoragePath}
	if cfg.Storage != nil {
		st = *cfg.Storage
	}
	rt.Storage = storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
		Path:        strings.TrimSpace(st.Path),
		DSN:         strings.TrimSpace(st.DSN),
		BusyTimeout: dur("storage.busy_timeout", st.BusyTimeout),
		MaxOpenConn: st.MaxOpenConns,
	}
	switch rt.Storage.Driver {
	case "", "sqlite", "sqlite3":
		if rt.Storage.Path == "" {
			rt.Storage.Path = defaultStoragePath
		}
	case "postgres", "postgresql", "pg":
		if rt.Storage.DSN == "" {
			add(errors.New("storage.dsn is required for postgres"))
		}
	case "file":
		if rt.Storage.Path == "" {
			add(errors.New("storage.path is required for the file driver"))
		}
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
	}

	// notifier
	rt.Notifier = resolveNotifier(cfg.Notifier, rt.Telegram, dur, add)

	// schedule
	sc := cfg.Schedule
	rt.Timing = timing.Config{
		MinDelay:   time.Duration(sc.MinDelayMinutes) * time.Minute,
		MaxDelay:   time.Duration(sc.MaxDelayMinutes) * time.Minute,
		JitterMax:  dur("schedule.jitter_max", sc.JitterMax),
		QuietStart: timing.DefaultQuietStart,
		QuietEnd:   timing.DefaultQuietEnd,
		Location:   loc,
	}
	if sc.QuietHoursStart != nil {
		rt.Timing.QuietStart = *sc.QuietHoursStart
	}
	if sc.QuietHoursEnd != nil {
		rt.Timing.QuietEnd = *sc.QuietHoursEnd
	}
	if sc.MinDelayMinutes < 0 || sc.MaxDelayMinutes < 0 {
		add(errors.New("schedule: delays must not be negative"))
	} else if err := rt.Timing.Validate(); err != nil {
		add(fmt.Errorf("schedule: %w", err))
	}

	// rate limit
	rl := cfg.RateLimit
	if rl.MaxPostsPerHour < 0 || rl.MaxPostsPerDay < 0 {
		add(errors.New("rate_limit: limits must not be negative"))
	}
	if rl.WarningThreshold < 0 || rl.WarningThreshold > 1 {
		add(fmt.Errorf("rate_limit.warning_threshold must be in (0,1], got %v", rl.WarningThreshold))
	}
	if rl.MaxPostsPerHour > 0 && rl.MaxPostsPerDay > 0 && rl.MaxPostsPerDay < rl.MaxPostsPerHour {
		add(errors.New("rate_limit: max_posts_per_day is below max_posts_per_hour"))
	}
	rt.RateLimit = ratelimit.Config{
		PerHour:          rl.MaxPostsPerHour,
		PerDay:           rl.MaxPostsPerDay,
		WarningThreshold: rl.WarningThreshold,
	}

	// breakers
	rt.Breakers = map[string]breaker.Config{PublisherBreaker: {}}
	names := make([]string, 0, len(cfg.Breakers))
	for name := range cfg.Breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		bc := cfg.Breakers[name]
		if name != PublisherBreaker {
			add(fmt.Errorf("breakers.%s: unknown breaker", name))
			continue
		}
		if bc.FailureThreshold < 0 || bc.HalfOpenMaxCalls < 0 {
			add(fmt.Errorf("breakers.%s: counts must not be negative", name))
		}
		rt.Breakers[name] = breaker.Config{
			FailureThreshold: bc.FailureThreshold,
			RecoveryTimeout:  dur("breakers."+name+".recovery_timeout", bc.RecoveryTimeout),
			HalfOpenMaxCalls: bc.HalfOpenMaxCalls,
		}
	}

	// worker + dlq
	if cfg.DLQ.MaxRetryCount < 0 || cfg.DLQ.BatchSize < 0 {
		add(errors.New("dlq: counts must not be negative"))
	}
	rt.Worker = worker.Config{
		Interval:          dur("worker.check_interval", cfg.Worker.CheckInterval),
		PublishTimeout:    dur("worker.publish_timeout", cfg.Worker.PublishTimeout),
		RecoverStaleAfter: dur("worker.recover_stale_after", cfg.Worker.RecoverStaleAfter),
		DLQMaxRetries:     cfg.DLQ.MaxRetryCount,
		DLQBatchSize:      cfg.DLQ.BatchSize,
	}
	if rt.Worker.Interval > 0 && rt.Worker.Interval < time.Second {
		add(errors.New("worker.check_interval must be at least 1s"))
	}
	switch s := strings.TrimSpace(cfg.DLQ.RetrySchedule); strings.ToLower(s) {
	case "off", "none", "disabled":
	case "":
		rt.DLQSchedule = defaultDLQSchedule
	default:
		if _, err := scheduler.ParseSchedule(s); err != nil {
			add(fmt.Errorf("dlq.retry_schedule: %w", err))
		}
		rt.DLQSchedule = s
	}

	// publisher
	pc := cfg.Publisher
	rt.Publisher = publisher.Config{
		Kind:    strings.ToLower(strings.TrimSpace(pc.Kind)),
		Timeout: dur("publisher.timeout", pc.Timeout),
		Webhook: publisher.WebhookConfig{
			URL:     strings.TrimSpace(pc.Webhook.URL),
			Token:   strings.TrimSpace(pc.Webhook.Token),
			Timeout: dur("publisher.webhook.timeout", pc.Webhook.Timeout),
		},
	}
	switch rt.Publisher.Kind {
	case "", "dryrun", "dry-run":
	case "telegram":
		if rt.Telegram.Token == "" {
			add(errors.New("publisher.kind=telegram needs telegram.token"))
		}
	case "webhook":
		if rt.Publisher.Webhook.URL == "" {
			add(errors.New("publisher.webhook.url is required"))
		}
	default:
		add(fmt.Errorf("publisher.kind: unknown kind %q", pc.Kind))
	}

	// admin
	ac := cfg.Admin
	rt.Admin = admin.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		PprofPrefix:   ac.PprofPrefix,
		ReadTimeout:   dur("admin.read_timeout", ac.ReadTimeout),
		WriteTimeout:  dur("admin.write_timeout", ac.WriteTimeout),
		IdleTimeout:   dur("admin.idle_timeout", ac.IdleTimeout),
	}

	// digest
	if cfg.Digest.Enabled {
		rt.DigestSchedule = strings.TrimSpace(cfg.Digest.Schedule)
		if rt.DigestSchedule == "" {
			rt.DigestSchedule = defaultDigestAt
		}
		if _, err := scheduler.ParseSchedule(rt.DigestSchedule); err != nil {
			add(fmt.Errorf("digest.schedule: %w", err))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

func resolveNotifier(nc *NotifierConfig, tg TelegramRuntime, dur func(string, string) time.Duration, add func(error)) notifier.Config {
	if nc == nil {
		nc = &NotifierConfig{Enabled: true}
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		MinLevel:        notifier.ParseSeverity(nc.MinLevel, defaultNotifierLevel),
		Target:          tg.GroupLog,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       dur("notifier.retry_base", nc.RetryBase),
		RetryMaxDelay:   dur("notifier.retry_max_delay", nc.RetryMaxDelay),
		SendTimeout:     dur("notifier.send_timeout", nc.SendTimeout),
		DedupWindow:     dur("notifier.dedup_window", nc.DedupWindow),
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	if lvl := strings.TrimSpace(nc.MinLevel); lvl != "" && notifier.ParseSeverity(lvl, -1) == -1 {
		add(fmt.Errorf("notifier.min_level: unknown level %q", nc.MinLevel))
	}
	if s := strings.TrimSpace(nc.Chat); s != "" {
		t, err := ParseChatTarget(s)
		if err != nil {
			add(fmt.Errorf("notifier.chat: %w", err))
		}
		out.Target = t
	}
	// Without a destination or a bot token alerts are logged only.
	if out.Target.IsZero() || tg.Token == "" {
		out.Enabled = false
	}
	return out
}

// ParseChatTarget parses "<chat_id>[/<thread_id>]".
func ParseChatTarget(s string) (kit.ChatTarget, error) {
	r, err := kit.ParseReply(s)
	if err != nil {
		return kit.ChatTarget{}, err
	}
	if r.MessageID != 0 {
		return kit.ChatTarget{}, fmt.Errorf("chat target %q must not carry a message id", s)
	}
	return r.Target, nil
}
