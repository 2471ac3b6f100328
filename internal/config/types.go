package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "60s", "2m"); empty means the component default.
type Config struct {
	// Timezone is an IANA name used for quiet hours, "posted today" and cron
	// triggers. Empty means the process local zone.
	Timezone string `json:"timezone,omitempty"`

	Telegram  TelegramConfig           `json:"telegram"`
	Logging   LoggingConfig            `json:"logging"`
	Storage   *StorageConfig           `json:"storage,omitempty"`
	Notifier  *NotifierConfig          `json:"notifier,omitempty"`
	Schedule  ScheduleConfig           `json:"schedule"`
	RateLimit RateLimitConfig          `json:"rate_limit"`
	Breakers  map[string]BreakerConfig `json:"breakers,omitempty"`
	Worker    WorkerConfig             `json:"worker"`
	DLQ       DLQConfig                `json:"dlq"`
	Publisher PublisherConfig          `json:"publisher"`
	Admin     AdminConfig              `json:"admin,omitempty"`
	Digest    DigestConfig             `json:"digest,omitempty"`
}

type TelegramConfig struct {
	// Token may be empty for a headless deployment (webhook or dryrun
	// publisher, no operator chat).
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the operator chat as "<chat_id>[/<thread_id>]".
	GroupLog    string `json:"group_log"`
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the queue backend.
//
//	"storage": { "driver": "sqlite", "path": "./replybot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//
// Omitting the section means sqlite at ./replybot.db.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"` // do not log
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// NotifierConfig controls operator alerts. Omitting the section means
// enabled with defaults.
type NotifierConfig struct {
	Enabled  bool   `json:"enabled"`
	MinLevel string `json:"min_level,omitempty"` // default WARNING
	// Chat overrides telegram.group_log as the alert destination.
	Chat            string `json:"chat,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// ScheduleConfig shapes publish times. Quiet hours are pointers so an
// explicit 0 differs from "not set".
type ScheduleConfig struct {
	MinDelayMinutes int    `json:"min_delay_minutes,omitempty"`
	MaxDelayMinutes int    `json:"max_delay_minutes,omitempty"`
	QuietHoursStart *int   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *int   `json:"quiet_hours_end,omitempty"`
	JitterMax       string `json:"jitter_max,omitempty"`
}

type RateLimitConfig struct {
	MaxPostsPerHour  int     `json:"max_posts_per_hour,omitempty"`
	MaxPostsPerDay   int     `json:"max_posts_per_day,omitempty"`
	WarningThreshold float64 `json:"warning_threshold,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int    `json:"half_open_max_calls,omitempty"`
}

type WorkerConfig struct {
	CheckInterval     string `json:"check_interval,omitempty"`
	PublishTimeout    string `json:"publish_timeout,omitempty"`
	RecoverStaleAfter string `json:"recover_stale_after,omitempty"`
}

type DLQConfig struct {
	MaxRetryCount int `json:"max_retry_count,omitempty"`
	BatchSize     int `json:"batch_size,omitempty"`
	// RetrySchedule is a scheduler spec ("every:15m", "cron:*/30 * * * *").
	// Empty means every 15 minutes; "off" disables the periodic pass.
	RetrySchedule string `json:"retry_schedule,omitempty"`
}

type PublisherConfig struct {
	Kind    string        `json:"kind"` // telegram, webhook, dryrun
	Timeout string        `json:"timeout,omitempty"`
	Webhook WebhookConfig `json:"webhook,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// AdminConfig controls the operator HTTP server.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default 127.0.0.1:8087
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a scheduler spec. Default "0 21 * * *" (21:00 daily in the
	// configured timezone).
	Schedule string `json:"schedule,omitempty"`
}
