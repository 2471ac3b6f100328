package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "replybot/pkg/logx"
)

// fileStore keeps all state in memory and, when a path is set, persists it.
//
// Files:
//   - <prefix>.snapshot.json (items, dead letters, dedup; rewritten atomically per change)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//
// Volume is expected to be tens of items per day, so a full snapshot per
// write is acceptable.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	snapshotPath string
	auditFile    *os.File
	audit        []AuditEntry // memory mode only

	state fileState
}

type fileState struct {
	Items       map[string]Item       `json:"items"`
	DeadLetters map[string]DeadLetter `json:"dead_letters"`
	Dedup       map[string]int64      `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	s := &fileStore{
		log: log,
		now: time.Now,
		state: fileState{
			Items:       map[string]Item{},
			DeadLetters: map[string]DeadLetter{},
			Dedup:       map[string]int64{},
		},
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return s, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s.snapshotPath = prefix + ".snapshot.json"
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Items {
		s.state.Items[k] = v
	}
	for k, v := range st.DeadLetters {
		s.state.DeadLetters[k] = v
	}
	now := s.now().UnixMilli()
	for k, v := range st.Dedup {
		if v >= now {
			s.state.Dedup[k] = v
		}
	}
	return nil
}

// persistLocked writes the snapshot via tmp file + rename.
func (s *fileStore) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) Ping(context.Context) error { return nil }

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// ---- queue ----

func (s *fileStore) Create(_ context.Context, it Item) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := prepareNewItem(it, s.now())
	if err != nil {
		return "", err
	}
	// A target stays taken once posted; only rejection frees it.
	for _, other := range s.state.Items {
		if other.TargetRef == it.TargetRef && other.Status != StatusRejected {
			return "", ErrDuplicate
		}
	}
	s.state.Items[it.ID] = it
	if err := s.persistLocked(); err != nil {
		delete(s.state.Items, it.ID)
		return "", err
	}
	return it.ID, nil
}

func (s *fileStore) Get(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.state.Items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (s *fileStore) List(_ context.Context, status Status, limit int) ([]Item, error) {
	s.mu.Lock()
	out := make([]Item, 0, len(s.state.Items))
	for _, it := range s.state.Items {
		if status == "" || it.Status == status {
			out = append(out, it)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) Due(_ context.Context, before time.Time) ([]Item, error) {
	s.mu.Lock()
	var out []Item
	for _, it := range s.state.Items {
		if it.Status == StatusApproved && !it.ScheduledAt.After(before) {
			out = append(out, it)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// update applies fn to the item if its status is one of from.
func (s *fileStore) update(id string, from []Status, fn func(*Item)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.state.Items[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if it.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrInvalidTransition
	}
	prev := it
	fn(&it)
	it.UpdatedAt = s.now()
	s.state.Items[id] = it
	if err := s.persistLocked(); err != nil {
		s.state.Items[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) Approve(_ context.Context, id string, scheduledAt time.Time) error {
	if scheduledAt.IsZero() {
		return fmt.Errorf("approve %s: scheduled time is required", id)
	}
	return s.update(id, []Status{StatusPending}, func(it *Item) {
		it.Status = StatusApproved
		it.ScheduledAt = scheduledAt
	})
}

func (s *fileStore) Reject(_ context.Context, id string) error {
	return s.update(id, []Status{StatusPending}, func(it *Item) { it.Status = StatusRejected })
}

func (s *fileStore) MarkPosted(_ context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	return s.update(id, []Status{StatusApproved, StatusFailed}, func(it *Item) {
		it.Status = StatusPosted
		it.PostedAt = at
		it.Error = ""
	})
}

func (s *fileStore) MarkFailed(_ context.Context, id string, errText string) error {
	return s.update(id, []Status{StatusApproved, StatusFailed}, func(it *Item) {
		it.Status = StatusFailed
		it.Error = errText
	})
}

func (s *fileStore) RecoverStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exhausted := map[string]bool{}
	for _, d := range s.state.DeadLetters {
		if d.Status == DeadLetterExhausted {
			exhausted[d.QueueItemID] = true
		}
	}
	now := s.now()
	cutoff := now.Add(-olderThan)
	prev := map[string]Item{}
	for id, it := range s.state.Items {
		if it.Status != StatusFailed || !it.PostedAt.IsZero() || it.UpdatedAt.After(cutoff) || exhausted[id] {
			continue
		}
		prev[id] = it
		it.Status = StatusApproved
		it.UpdatedAt = now
		s.state.Items[id] = it
	}
	if len(prev) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for id, it := range prev {
			s.state.Items[id] = it
		}
		return 0, err
	}
	return len(prev), nil
}

func (s *fileStore) CountPending(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.state.Items {
		if it.Status == StatusApproved {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) CountPostedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.state.Items {
		if it.Status == StatusPosted && !it.PostedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---- dead letters ----

func (s *fileStore) AddDeadLetter(_ context.Context, d DeadLetter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d = prepareDeadLetter(d, s.now())
	s.state.DeadLetters[d.ID] = d
	if err := s.persistLocked(); err != nil {
		delete(s.state.DeadLetters, d.ID)
		return "", err
	}
	return d.ID, nil
}

func (s *fileStore) sortedDeadLetters(keep func(DeadLetter) bool, newestFirst bool) []DeadLetter {
	out := make([]DeadLetter, 0)
	for _, d := range s.state.DeadLetters {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *fileStore) PendingDeadLetters(_ context.Context, maxRetryCount, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	out := s.sortedDeadLetters(func(d DeadLetter) bool {
		return d.Status == DeadLetterPending && d.RetryCount < maxRetryCount
	}, false)
	s.mu.Unlock()
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) LiveDeadLetter(_ context.Context, queueItemID string) (DeadLetter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedDeadLetters(func(d DeadLetter) bool {
		return d.QueueItemID == queueItemID && d.Status == DeadLetterPending
	}, true)
	if len(out) == 0 {
		return DeadLetter{}, false, nil
	}
	return out[0], true, nil
}

func (s *fileStore) UpdateAfterRetry(_ context.Context, id string, res RetryResult) (DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.state.DeadLetters[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	if d.Status != DeadLetterPending {
		return d, ErrInvalidTransition
	}
	if res.At.IsZero() {
		res.At = s.now()
	}
	next := applyRetry(d, res)
	s.state.DeadLetters[id] = next
	if err := s.persistLocked(); err != nil {
		s.state.DeadLetters[id] = d
		return DeadLetter{}, err
	}
	return next, nil
}

func (s *fileStore) ResolveDeadLetters(_ context.Context, queueItemID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.IsZero() {
		at = s.now()
	}
	prev := map[string]DeadLetter{}
	for id, d := range s.state.DeadLetters {
		if d.QueueItemID != queueItemID || d.Status != DeadLetterPending {
			continue
		}
		prev[id] = d
		d.Status = DeadLetterRetried
		d.LastRetryAt = at
		s.state.DeadLetters[id] = d
	}
	if len(prev) == 0 {
		return 0, nil
	}
	if err := s.persistLocked(); err != nil {
		for id, d := range prev {
			s.state.DeadLetters[id] = d
		}
		return 0, err
	}
	return len(prev), nil
}

func (s *fileStore) ListDeadLetters(_ context.Context, status DeadLetterStatus, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	out := s.sortedDeadLetters(func(d DeadLetter) bool { return status == "" || d.Status == status }, true)
	s.mu.Unlock()
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) DeadLetterStats(context.Context) (DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st DeadLetterStats
	for _, d := range s.state.DeadLetters {
		switch d.Status {
		case DeadLetterPending:
			st.Pending++
		case DeadLetterExhausted:
			st.Exhausted++
		case DeadLetterRetried:
			st.Retried++
		}
	}
	return st, nil
}

// ---- audit + dedup ----

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = s.now()
	}
	if s.snapshotPath == "" {
		s.audit = append(s.audit, e)
		if len(s.audit) > 1000 {
			s.audit = s.audit[len(s.audit)-1000:]
		}
		return nil
	}
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UnixMilli()
	for k, v := range s.state.Dedup {
		if v < now {
			delete(s.state.Dedup, k)
		}
	}
	s.state.Dedup[key] = until.UnixMilli()
	return s.persistLocked()
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
