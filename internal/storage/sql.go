package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "replybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql for both sqlite and postgres.
// Queries are written with '?' placeholders and rebound for postgres.
// Timestamps are stored as unix milliseconds.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
	now     func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, dialect: d, now: time.Now, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	return rebind(query)
}

// rebind converts '?' placeholders to $1..$n.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- queue ----

const itemColumns = `id, target_ref, payload, status, scheduled_at, posted_at, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		it                   Item
		status               string
		scheduled, posted    sql.NullInt64
		errText              sql.NullString
		createdAt, updatedAt int64
	)
	if err := r.Scan(&it.ID, &it.TargetRef, &it.Payload, &status, &scheduled, &posted, &errText, &createdAt, &updatedAt); err != nil {
		return Item{}, err
	}
	it.Status = Status(status)
	it.ScheduledAt = fromMillis(scheduled)
	it.PostedAt = fromMillis(posted)
	it.Error = errText.String
	it.CreatedAt = time.UnixMilli(createdAt)
	it.UpdatedAt = time.UnixMilli(updatedAt)
	return it, nil
}

func (s *sqlStore) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqlStore) Create(ctx context.Context, it Item) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	it, err := prepareNewItem(it, s.now())
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM queue_items WHERE target_ref = ? AND status <> 'rejected'`),
		it.TargetRef,
	).Scan(&n); err != nil {
		return "", err
	}
	if n > 0 {
		return "", ErrDuplicate
	}

	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO queue_items(`+itemColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		it.ID, it.TargetRef, it.Payload, string(it.Status),
		toMillis(it.ScheduledAt), toMillis(it.PostedAt), nullStr(it.Error),
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli(),
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return it.ID, nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Item, error) {
	if s == nil || s.db == nil {
		return Item{}, ErrDisabled
	}
	it, err := scanItem(s.db.QueryRowContext(ctx, s.q(`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqlStore) List(ctx context.Context, status Status, limit int) ([]Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)
	if status == "" {
		return s.queryItems(ctx, `SELECT `+itemColumns+` FROM queue_items ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY created_at DESC LIMIT ?`, string(status), limit)
}

func (s *sqlStore) Due(ctx context.Context, before time.Time) ([]Item, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM queue_items
		 WHERE status = 'approved' AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, created_at ASC`,
		before.UnixMilli(),
	)
}

// transition runs a guarded UPDATE and maps "no rows" to ErrNotFound or ErrInvalidTransition.
func (s *sqlStore) transition(ctx context.Context, id, query string, args ...any) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM queue_items WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *sqlStore) Approve(ctx context.Context, id string, scheduledAt time.Time) error {
	if scheduledAt.IsZero() {
		return fmt.Errorf("approve %s: scheduled time is required", id)
	}
	return s.transition(ctx, id,
		`UPDATE queue_items SET status = 'approved', scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		scheduledAt.UnixMilli(), s.now().UnixMilli(), id,
	)
}

func (s *sqlStore) Reject(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE queue_items SET status = 'rejected', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		s.now().UnixMilli(), id,
	)
}

func (s *sqlStore) MarkPosted(ctx context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.transition(ctx, id,
		`UPDATE queue_items SET status = 'posted', posted_at = ?, error = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('approved', 'failed')`,
		at.UnixMilli(), s.now().UnixMilli(), id,
	)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id string, errText string) error {
	return s.transition(ctx, id,
		`UPDATE queue_items SET status = 'failed', error = ?, updated_at = ?
		 WHERE id = ? AND status IN ('approved', 'failed')`,
		nullStr(errText), s.now().UnixMilli(), id,
	)
}

func (s *sqlStore) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE queue_items SET status = 'approved', updated_at = ?
		 WHERE status = 'failed' AND posted_at IS NULL AND updated_at <= ?
		   AND id NOT IN (SELECT queue_item_id FROM dead_letters WHERE status = 'exhausted')`),
		now.UnixMilli(), now.Add(-olderThan).UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) count(ctx context.Context, query string, args ...any) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n)
	return n, err
}

func (s *sqlStore) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'approved'`)
}

func (s *sqlStore) CountPostedSince(ctx context.Context, since time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'posted' AND posted_at >= ?`, since.UnixMilli())
}

// ---- dead letters ----

const deadLetterColumns = `id, queue_item_id, target_ref, error, retry_count, status, created_at, last_retry_at`

func scanDeadLetter(r rowScanner) (DeadLetter, error) {
	var (
		d         DeadLetter
		status    string
		createdAt int64
		lastRetry sql.NullInt64
	)
	if err := r.Scan(&d.ID, &d.QueueItemID, &d.TargetRef, &d.Error, &d.RetryCount, &status, &createdAt, &lastRetry); err != nil {
		return DeadLetter{}, err
	}
	d.Status = DeadLetterStatus(status)
	d.CreatedAt = time.UnixMilli(createdAt)
	d.LastRetryAt = fromMillis(lastRetry)
	return d, nil
}

func (s *sqlStore) queryDeadLetters(ctx context.Context, query string, args ...any) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddDeadLetter(ctx context.Context, d DeadLetter) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrDisabled
	}
	d = prepareDeadLetter(d, s.now())
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO dead_letters(`+deadLetterColumns+`) VALUES(?,?,?,?,?,?,?,?)`),
		d.ID, d.QueueItemID, d.TargetRef, d.Error, d.RetryCount, string(d.Status),
		d.CreatedAt.UnixMilli(), toMillis(d.LastRetryAt),
	)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

func (s *sqlStore) PendingDeadLetters(ctx context.Context, maxRetryCount, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryDeadLetters(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters
		 WHERE status = 'pending' AND retry_count < ?
		 ORDER BY created_at ASC LIMIT ?`,
		maxRetryCount, clampLimit(limit),
	)
}

func (s *sqlStore) LiveDeadLetter(ctx context.Context, queueItemID string) (DeadLetter, bool, error) {
	if s == nil || s.db == nil {
		return DeadLetter{}, false, ErrDisabled
	}
	d, err := scanDeadLetter(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deadLetterColumns+` FROM dead_letters
		 WHERE queue_item_id = ? AND status = 'pending'
		 ORDER BY created_at DESC LIMIT 1`), queueItemID))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, false, nil
	}
	if err != nil {
		return DeadLetter{}, false, err
	}
	return d, true, nil
}

func (s *sqlStore) UpdateAfterRetry(ctx context.Context, id string, res RetryResult) (DeadLetter, error) {
	if s == nil || s.db == nil {
		return DeadLetter{}, ErrDisabled
	}
	if res.At.IsZero() {
		res.At = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeadLetter{}, err
	}
	defer func() { _ = tx.Rollback() }()

	d, err := scanDeadLetter(tx.QueryRowContext(ctx, s.q(`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return DeadLetter{}, ErrNotFound
	}
	if err != nil {
		return DeadLetter{}, err
	}
	if d.Status != DeadLetterPending {
		return d, ErrInvalidTransition
	}

	d = applyRetry(d, res)
	if _, err := tx.ExecContext(ctx,
		s.q(`UPDATE dead_letters SET error = ?, retry_count = ?, status = ?, last_retry_at = ? WHERE id = ?`),
		d.Error, d.RetryCount, string(d.Status), toMillis(d.LastRetryAt), d.ID,
	); err != nil {
		return DeadLetter{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeadLetter{}, err
	}
	return d, nil
}

func (s *sqlStore) ResolveDeadLetters(ctx context.Context, queueItemID string, at time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if at.IsZero() {
		at = s.now()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE dead_letters SET status = 'retried_successfully', last_retry_at = ?
		 WHERE queue_item_id = ? AND status = 'pending'`),
		at.UnixMilli(), queueItemID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqlStore) ListDeadLetters(ctx context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit = clampLimit(limit)
	if status == "" {
		return s.queryDeadLetters(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY created_at DESC LIMIT ?`, limit)
	}
	return s.queryDeadLetters(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
}

func (s *sqlStore) DeadLetterStats(ctx context.Context) (DeadLetterStats, error) {
	if s == nil || s.db == nil {
		return DeadLetterStats{}, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dead_letters GROUP BY status`)
	if err != nil {
		return DeadLetterStats{}, err
	}
	defer rows.Close()
	var st DeadLetterStats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return DeadLetterStats{}, err
		}
		switch DeadLetterStatus(status) {
		case DeadLetterPending:
			st.Pending = n
		case DeadLetterExhausted:
			st.Exhausted = n
		case DeadLetterRetried:
			st.Retried = n
		}
	}
	return st, rows.Err()
}

// ---- audit + dedup ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO audit(at, actor, source, action, target, ok, err) VALUES(?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.Actor, e.Source, e.Action, nullStr(e.Target), ok, nullStr(e.Error),
	)
	return err
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO dedup(dedup_key, expires_at) VALUES(?,?)
		 ON CONFLICT(dedup_key) DO UPDATE SET expires_at = excluded.expires_at`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, s.q(`DELETE FROM dedup WHERE expires_at < ?`), s.now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT expires_at FROM dedup WHERE dedup_key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// ---- helpers shared by drivers ----

func prepareNewItem(it Item, now time.Time) (Item, error) {
	it.TargetRef = strings.TrimSpace(it.TargetRef)
	if it.TargetRef == "" {
		return Item{}, errors.New("storage: target_ref is required")
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Status == "" {
		it.Status = StatusPending
	}
	switch it.Status {
	case StatusPending:
		if !it.ScheduledAt.IsZero() {
			return Item{}, fmt.Errorf("%w: pending item cannot carry a schedule", ErrInvalidTransition)
		}
	case StatusApproved:
		if it.ScheduledAt.IsZero() {
			return Item{}, fmt.Errorf("%w: approved item needs a schedule", ErrInvalidTransition)
		}
	default:
		return Item{}, fmt.Errorf("%w: new items start pending or approved, got %q", ErrInvalidTransition, it.Status)
	}
	it.PostedAt = time.Time{}
	it.Error = ""
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	return it, nil
}

func prepareDeadLetter(d DeadLetter, now time.Time) DeadLetter {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeadLetterPending
	}
	if d.RetryCount < 0 {
		d.RetryCount = 0
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	return d
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func toMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
