package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"replybot/internal/eventbus"
	"replybot/internal/retry"
	rtsup "replybot/internal/runtime/supervisor"
	kit "replybot/internal/transport"
	logx "replybot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type job struct {
	alert Alert
	text  string
	key   string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service logs every alert and delivers those at or above MinLevel to the
// operator chat through a bounded queue, a worker pool, a token-bucket rate
// limit and a retry policy. Nothing it does returns an error to the caller.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	store  DedupStore
	now    func() time.Time

	cfg     Config
	limiter *rate.Limiter
	policy  *retry.Policy

	accepting bool
	enqWG     sync.WaitGroup
	queue     chan job
	persistCh chan dedupWrite
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		log:    log.With(logx.String("comp", "notifier")),
		sender: sender,
		bus:    bus,
		store:  store,
		now:    time.Now,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.policy = &retry.Policy{
		MaxRetries: cfg.RetryMax,
		Base:       cfg.RetryBase,
		Max:        cfg.RetryMaxDelay,
		Factor:     2,
		Jitter:     0.3,
	}
}

// Start launches the delivery workers. It is a no-op when chat delivery is
// disabled, there is no sender, or the service is already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 256)
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch, workers := s.sup, s.queue, s.persistCh, s.cfg.Workers
	s.mu.Unlock()

	if pch != nil {
		sup.Go("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch)
			return nil
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		})
	}
}

// Stop refuses new alerts and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqWG.Wait()
		close(q)
		if pch != nil {
			close(pch)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify logs the alert and, when its severity reaches MinLevel, queues it for
// chat delivery. Delivery problems are logged and never returned.
func (s *Service) Notify(ctx context.Context, sev Severity, category, message string, details map[string]any) {
	a := Alert{Severity: sev, Category: category, Message: message, Details: details, At: s.now()}
	s.logAlert(a)
	if err := s.enqueue(ctx, a); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Debug("alert not queued", logx.String("category", category), logx.Err(err))
	}
}

func (s *Service) Info(ctx context.Context, category, message string, details map[string]any) {
	s.Notify(ctx, SeverityInfo, category, message, details)
}

func (s *Service) Warning(ctx context.Context, category, message string, details map[string]any) {
	s.Notify(ctx, SeverityWarning, category, message, details)
}

func (s *Service) Error(ctx context.Context, category, message string, details map[string]any) {
	s.Notify(ctx, SeverityError, category, message, details)
}

func (s *Service) Critical(ctx context.Context, category, message string, details map[string]any) {
	s.Notify(ctx, SeverityCritical, category, message, details)
}

// Startup announces the process is up. It is sent at WARNING so it reaches the
// chat with the default threshold.
func (s *Service) Startup(ctx context.Context, details map[string]any) {
	s.Notify(ctx, SeverityWarning, "startup", "replybot started", details)
}

func (s *Service) Shutdown(ctx context.Context, reason string) {
	s.Notify(ctx, SeverityWarning, "shutdown", "replybot stopping", map[string]any{"reason": reason})
}

func (s *Service) logAlert(a Alert) {
	fields := make([]logx.Field, 0, len(a.Details)+2)
	fields = append(fields, logx.String("severity", a.Severity.String()), logx.String("category", a.Category))
	for k, v := range a.Details {
		fields = append(fields, logx.Any(k, v))
	}
	s.log.Log(levelFor(a.Severity), a.Message, fields...)
}

func levelFor(sev Severity) logx.Level {
	switch sev {
	case SeverityDebug:
		return logx.LevelDebug
	case SeverityInfo:
		return logx.LevelInfo
	case SeverityWarning:
		return logx.LevelWarn
	case SeverityError:
		return logx.LevelError
	default:
		return logx.LevelCritical
	}
}

func (s *Service) enqueue(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || a.Severity < cfg.MinLevel {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, pch := s.queue, s.persistCh
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	key := dedupKey(a)
	if cfg.DedupWindow > 0 && !s.dedupAllow(ctx, key, cfg, pch) {
		return nil
	}

	select {
	case q <- job{alert: a, text: formatAlert(a), key: key}:
		return nil
	default:
		s.publish(eventbus.TypeNotifyDropped, a, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, policy, sender := s.cfg, s.limiter, s.policy, s.sender
	s.mu.Unlock()

	err := policy.Do(ctx, func(ctx context.Context) error {
		if err := lim.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		_, err := sender.SendText(cctx, cfg.Target, j.text, &kit.SendOptions{DisablePreview: true})
		return err
	})
	if err != nil {
		s.log.Warn("alert delivery failed", logx.String("category", j.alert.Category), logx.Err(err))
		s.publish(eventbus.TypeNotifyFailed, j.alert, j.key, err)
		return
	}
	s.appendHistory(j.alert, j.text)
	s.publish(eventbus.TypeNotifySent, j.alert, j.key, nil)
}

func (s *Service) publish(typ string, a Alert, key string, err error) {
	ev := Event{Severity: a.Severity.String(), Category: a.Category, Key: key, At: s.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// History returns the most recent delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

const historyMax = 200

func (s *Service) appendHistory(a Alert, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: a.At, Severity: a.Severity.String(), Category: a.Category, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
			if err := s.store.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

// dedupAllow reports whether key is outside its suppression window and, if so,
// opens a new window.
func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan<- dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	until, seen := s.dedup[key]
	s.dmu.Unlock()
	if seen && now.Before(until) {
		return false
	}

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until = now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	s.pruneLocked(now, cfg.DedupMaxEntries)
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// pruneLocked drops expired keys, then the earliest-expiring ones above max.
func (s *Service) pruneLocked(now time.Time, max int) {
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > max {
		var oldest string
		var oldestAt time.Time
		for k, until := range s.dedup {
			if oldest == "" || until.Before(oldestAt) {
				oldest, oldestAt = k, until
			}
		}
		delete(s.dedup, oldest)
	}
}
