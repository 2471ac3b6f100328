package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "replybot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA name. Empty means the process local zone.
	Timezone string
}

type Job func(ctx context.Context) error

type schedule struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entry   cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
	lastErr atomic.Value // string
	lastRun atomic.Int64 // unix nanos
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	defs map[string]*schedule
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		// SecondOptional accepts both 5 and 6 field expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*schedule{},
	}
}

func loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// Apply restarts triggering when the timezone changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if changed && s.c != nil {
		s.c.Stop()
		s.startCronLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startCronLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startCronLocked() {
	s.loc = loadLocation(s.cfg.Timezone)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.c.Start()
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}

// Add registers or replaces the schedule called name.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(ps.String()); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &schedule{name: name, spec: ps, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			delete(s.defs, name)
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.String()),
			logx.Time("next", s.c.Entry(d.entry).Next))
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entry != 0 {
		s.c.Remove(d.entry)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *schedule) error {
	id, err := s.c.AddFunc(d.spec.String(), func() { s.trigger(d) })
	if err != nil {
		return err
	}
	d.entry = id
	return nil
}

// RunNow triggers name immediately, subject to the same overlap rule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	running := s.c != nil
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	if !running {
		return errors.New("scheduler not started")
	}
	s.trigger(d)
	return nil
}

func (s *Service) trigger(d *schedule) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("schedule skipped, previous run still active", logx.String("name", d.name))
		return
	}
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		d.running.Store(false)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.running.Store(false)
		s.run(base, d)
	}()
}

func (s *Service) run(base context.Context, d *schedule) {
	ctx := base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}
	start := time.Now()
	d.lastRun.Store(start.UnixNano())
	d.runs.Add(1)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("schedule panic", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = d.job(ctx)
	}()

	if err != nil {
		d.lastErr.Store(err.Error())
		if base.Err() == nil {
			s.log.Warn("schedule run failed", logx.String("name", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}
		return
	}
	d.lastErr.Store("")
	s.log.Debug("schedule run finished", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
}

type ScheduleInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	LastRun time.Time `json:"last_run,omitempty"`
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	Running bool      `json:"running"`
	LastErr string    `json:"last_err,omitempty"`
}

func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec.String(),
			Runs:    d.runs.Load(),
			Skipped: d.skipped.Load(),
			Running: d.running.Load(),
		}
		if s.c != nil && d.entry != 0 {
			info.Next = s.c.Entry(d.entry).Next
		}
		if ns := d.lastRun.Load(); ns > 0 {
			info.LastRun = time.Unix(0, ns)
		}
		info.LastErr, _ = d.lastErr.Load().(string)
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
