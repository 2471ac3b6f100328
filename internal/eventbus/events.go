package eventbus

import "time"

// Event types published by the posting pipeline.
const (
	TypeItemQueued     = "item.queued"
	TypeItemApproved   = "item.approved"
	TypeItemRejected   = "item.rejected"
	TypeItemPosted     = "item.posted"
	TypeItemFailed     = "item.failed"
	TypeItemRecovered  = "item.recovered"
	TypeCycleFinished  = "worker.cycle"
	TypeRateLimited    = "ratelimit.blocked"
	TypeRateWarning    = "ratelimit.warning"
	TypeBreakerState   = "breaker.state"
	TypeDLQAdded       = "dlq.added"
	TypeDLQRetried     = "dlq.retried"
	TypeDLQExhausted   = "dlq.exhausted"
	TypeNotifySent     = "notify.sent"
	TypeNotifyFailed   = "notify.failed"
	TypeNotifyDropped  = "notify.dropped"
	TypeConfigReloaded = "config.reloaded"
)

// ItemEvent carries a queue item state change.
type ItemEvent struct {
	ItemID    string        `json:"item_id"`
	TargetRef string        `json:"target_ref,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// CycleEvent summarises one worker cycle.
type CycleEvent struct {
	Processed  int           `json:"processed"`
	Posted     int           `json:"posted"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Recovered  int           `json:"recovered"`
	StopReason string        `json:"stop_reason,omitempty"`
	Took       time.Duration `json:"took"`
}

// RateEvent reports a limiter block or warning.
type RateEvent struct {
	Window string        `json:"window"`
	Used   int           `json:"used"`
	Limit  int           `json:"limit"`
	Wait   time.Duration `json:"wait,omitempty"`
}

// BreakerEvent reports a breaker state transition.
type BreakerEvent struct {
	Name     string `json:"name"`
	From     string `json:"from"`
	To       string `json:"to"`
	Failures int    `json:"failures"`
}

// DLQEvent reports a dead letter change.
type DLQEvent struct {
	EntryID     string `json:"entry_id"`
	QueueItemID string `json:"queue_item_id"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error,omitempty"`
}
