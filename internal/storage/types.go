package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled          = errors.New("storage disabled")
	ErrNotFound          = errors.New("storage: not found")
	ErrDuplicate         = errors.New("storage: duplicate target")
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite file or file-driver snapshot path
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpenConn int           // postgres only; 0 means default
}

// Status is a QueueItem lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusPosted   Status = "posted"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusPosted, StatusRejected, StatusFailed:
		return true
	}
	return false
}

// Item is a unit of deferred publishing work.
//
// PostedAt is set iff Status is posted. ScheduledAt is set iff Status is
// approved, posted or failed. Zero times mean unset.
type Item struct {
	ID          string    `json:"id"`
	TargetRef   string    `json:"target_ref"`
	Payload     string    `json:"payload"`
	Status      Status    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at,omitempty"`
	PostedAt    time.Time `json:"posted_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DeadLetterStatus is the state of a DLQ entry.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetried   DeadLetterStatus = "retried_successfully"
	DeadLetterExhausted DeadLetterStatus = "exhausted"
)

// DeadLetter records a failed publish eligible for retry.
type DeadLetter struct {
	ID          string           `json:"id"`
	QueueItemID string           `json:"queue_item_id"`
	TargetRef   string           `json:"target_ref"`
	Error       string           `json:"error"`
	RetryCount  int              `json:"retry_count"`
	Status      DeadLetterStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	LastRetryAt time.Time        `json:"last_retry_at,omitempty"`
}

// DeadLetterStats counts DLQ entries by status.
type DeadLetterStats struct {
	Pending   int `json:"pending"`
	Exhausted int `json:"exhausted"`
	Retried   int `json:"retried_successfully"`
}

// RetryResult is the outcome of one dead letter retry attempt.
type RetryResult struct {
	Success    bool
	Error      string
	MaxRetries int
	// Permanent exhausts the entry immediately.
	Permanent bool
	At        time.Time
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Source string    `json:"source"` // telegram, http
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     bool      `json:"ok"`
	Error  string    `json:"error,omitempty"`
}

// QueueStore persists QueueItems.
type QueueStore interface {
	Create(ctx context.Context, it Item) (string, error)
	Get(ctx context.Context, id string) (Item, error)
	List(ctx context.Context, status Status, limit int) ([]Item, error)
	Approve(ctx context.Context, id string, scheduledAt time.Time) error
	Reject(ctx context.Context, id string) error
	// Due returns approved items with ScheduledAt <= before, oldest first.
	Due(ctx context.Context, before time.Time) ([]Item, error)
	MarkPosted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, errText string) error
	// RecoverStale moves failed items whose last update is at least olderThan ago
	// back to approved. Items with an exhausted dead letter entry stay failed.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
	CountPending(ctx context.Context) (int, error)
	CountPostedSince(ctx context.Context, since time.Time) (int, error)
}

// DeadLetterStore persists DeadLetters.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, d DeadLetter) (string, error)
	// PendingDeadLetters returns pending entries with RetryCount < maxRetryCount, oldest first.
	PendingDeadLetters(ctx context.Context, maxRetryCount, limit int) ([]DeadLetter, error)
	// LiveDeadLetter returns the pending entry for a queue item, if any.
	LiveDeadLetter(ctx context.Context, queueItemID string) (DeadLetter, bool, error)
	UpdateAfterRetry(ctx context.Context, id string, res RetryResult) (DeadLetter, error)
	// ResolveDeadLetters marks every pending entry of a queue item retried_successfully.
	ResolveDeadLetters(ctx context.Context, queueItemID string, at time.Time) (int, error)
	ListDeadLetters(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error)
	DeadLetterStats(ctx context.Context) (DeadLetterStats, error)
}

// Store is the full persistence API.
type Store interface {
	QueueStore
	DeadLetterStore

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Ping(ctx context.Context) error
	Close() error
}

// applyRetry computes the next DLQ state. Shared by every driver.
func applyRetry(d DeadLetter, res RetryResult) DeadLetter {
	d.LastRetryAt = res.At
	if res.Success {
		d.Status = DeadLetterRetried
		return d
	}
	if res.Error != "" {
		d.Error = res.Error
	} else {
		d.Error = "retry failed"
	}
	d.RetryCount++
	if res.Permanent && d.RetryCount < res.MaxRetries {
		d.RetryCount = res.MaxRetries
	}
	if d.RetryCount >= res.MaxRetries {
		d.Status = DeadLetterExhausted
	} else {
		d.Status = DeadLetterPending
	}
	return d
}
