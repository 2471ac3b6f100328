package notifier

import (
	"strings"
	"time"

	kit "replybot/internal/transport"
)

// Severity orders alerts from DEBUG to CRITICAL.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a name to a Severity, falling back to def.
func ParseSeverity(s string, def Severity) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return SeverityDebug
	case "INFO":
		return SeverityInfo
	case "WARN", "WARNING":
		return SeverityWarning
	case "ERROR":
		return SeverityError
	case "CRITICAL":
		return SeverityCritical
	default:
		return def
	}
}

// Alert is one notification.
type Alert struct {
	Severity Severity
	Category string
	Message  string
	Details  map[string]any
	At       time.Time
}

// Config controls the async delivery pipeline.
type Config struct {
	Enabled         bool
	MinLevel        Severity
	Target          kit.ChatTarget
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"`
	Category string    `json:"category"`
	Text     string    `json:"text"`
}

// Event is published on the event bus for delivery lifecycle changes.
type Event struct {
	Severity string    `json:"severity"`
	Category string    `json:"category"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
