package config

import (
	"reflect"
	"sort"
	"strings"

	logx "replybot/pkg/logx"
)

// Change summarises a reload for logging. Attrs never carry secrets.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	Attrs   []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Has reports whether section changed.
func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		mark("timezone", false, logx.String("timezone", newCfg.Timezone))
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
	if tokenChanged || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		mark("telegram", tokenChanged || strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout),
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		ns := derefStorage(newCfg.Storage)
		mark("storage", true,
			logx.String("storage.driver", ns.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		nn := NotifierConfig{Enabled: true}
		if newCfg.Notifier != nil {
			nn = *newCfg.Notifier
		}
		mark("notifier", false,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.String("notifier.min_level", nn.MinLevel),
			logx.Bool("notifier.persist_dedup", nn.PersistDedup),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		s := newCfg.Schedule
		mark("schedule", false,
			logx.Int("schedule.min_delay_minutes", s.MinDelayMinutes),
			logx.Int("schedule.max_delay_minutes", s.MaxDelayMinutes),
		)
	}

	if oldCfg.RateLimit != newCfg.RateLimit {
		r := newCfg.RateLimit
		mark("rate_limit", false,
			logx.Int("rate_limit.per_hour", r.MaxPostsPerHour),
			logx.Int("rate_limit.per_day", r.MaxPostsPerDay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Breakers, newCfg.Breakers) {
		mark("breakers", false, logx.Int("breakers.count", len(newCfg.Breakers)))
	}

	if oldCfg.Worker != newCfg.Worker {
		mark("worker", false,
			logx.String("worker.check_interval", newCfg.Worker.CheckInterval),
			logx.String("worker.publish_timeout", newCfg.Worker.PublishTimeout),
		)
	}

	if oldCfg.DLQ != newCfg.DLQ {
		mark("dlq", false,
			logx.Int("dlq.max_retry_count", newCfg.DLQ.MaxRetryCount),
			logx.String("dlq.retry_schedule", newCfg.DLQ.RetrySchedule),
		)
	}

	if oldCfg.Publisher != newCfg.Publisher {
		mark("publisher", true,
			logx.String("publisher.kind", newCfg.Publisher.Kind),
			logx.Bool("publisher.webhook_token_set", newCfg.Publisher.Webhook.Token != ""),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		a := newCfg.Admin
		mark("admin", false,
			logx.Bool("admin.enabled", a.Enabled),
			logx.String("admin.addr", a.Addr),
			logx.Bool("admin.token_set", a.Token != ""),
			logx.Bool("admin.pprof", a.Pprof),
		)
	}

	if oldCfg.Digest != newCfg.Digest {
		mark("digest", false,
			logx.Bool("digest.enabled", newCfg.Digest.Enabled),
			logx.String("digest.schedule", newCfg.Digest.Schedule),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.Restart)
	return ch
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "sqlite", Path: defaultStoragePath}
	}
	return *s
}
