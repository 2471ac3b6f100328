package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"replybot/internal/breaker"
	"replybot/internal/eventbus"
	rtsup "replybot/internal/runtime/supervisor"
	"replybot/internal/storage"
	"replybot/internal/worker"
	logx "replybot/pkg/logx"
)

// Queue is the intake side of the queue store.
type Queue interface {
	Create(ctx context.Context, it storage.Item) (string, error)
	Get(ctx context.Context, id string) (storage.Item, error)
	List(ctx context.Context, status storage.Status, limit int) ([]storage.Item, error)
	Approve(ctx context.Context, id string, scheduledAt time.Time) error
	Reject(ctx context.Context, id string) error
}

type Worker interface {
	Snapshot(ctx context.Context, loc *time.Location) (worker.Snapshot, error)
	RetryDeadLetters(ctx context.Context) (worker.DLQResult, error)
	Wake()
}

type Breakers interface {
	Reset(name string) bool
	Statuses() []breaker.Status
}

// Scheduler picks and describes publish times for approved items.
type Scheduler interface {
	ScheduleTime(base time.Time) time.Time
	DelayDescription(scheduled time.Time) string
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the collaborators behind the routes. Nil Metrics disables /metrics;
// nil Tasks leaves supervisor task state out of /api/status.
type Deps struct {
	Queue     Queue
	Worker    Worker
	Breakers  Breakers
	Scheduler Scheduler
	Audit     Auditor
	Metrics   http.Handler
	Bus       eventbus.Bus
	Location  func() *time.Location
	Tasks     func() map[string][]rtsup.TaskStatus
	Now       func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Location == nil {
		d.Location = func() *time.Location { return time.Local }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

const maxListLimit = 500

// Handler builds the router for cfg. Exposed for tests.
func (s *Server) Handler(cfg Config) http.Handler {
	d := s.deps
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		if d.Metrics != nil {
			r.Handle("/metrics", d.Metrics)
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Get("/items", s.handleListItems)
			r.Post("/items", s.handleCreateItem)
			r.Get("/items/{id}", s.handleGetItem)
			r.Post("/items/{id}/approve", s.handleApprove)
			r.Post("/items/{id}/reject", s.handleReject)
			r.Post("/dlq/retry", s.handleRetryDLQ)
			r.Post("/breakers/{name}/reset", s.handleResetBreaker)
		})

		if cfg.Pprof {
			prefix := normalizePrefix(cfg.PprofPrefix)
			base := strings.TrimSuffix(prefix, "/")
			r.Get(base, func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
			})
			r.HandleFunc(base+"/cmdline", hpprof.Cmdline)
			r.HandleFunc(base+"/profile", hpprof.Profile)
			r.HandleFunc(base+"/symbol", hpprof.Symbol)
			r.HandleFunc(base+"/trace", hpprof.Trace)
			r.HandleFunc(prefix+"*", pprofIndexAt(prefix))
		}
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

type statusResponse struct {
	worker.Snapshot
	Breakers []breaker.Status              `json:"breakers"`
	Tasks    map[string][]rtsup.TaskStatus `json:"tasks,omitempty"`
	Error    string                        `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.deps
	var resp statusResponse
	if d.Worker != nil {
		snap, err := d.Worker.Snapshot(r.Context(), d.Location())
		resp.Snapshot = snap
		if err != nil {
			resp.Error = err.Error()
		}
	}
	if d.Breakers != nil {
		resp.Breakers = d.Breakers.Statuses()
	}
	if d.Tasks != nil {
		resp.Tasks = d.Tasks()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	status := storage.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	items, err := s.deps.Queue.List(r.Context(), status, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createRequest struct {
	TargetRef string `json:"target_ref"`
	Payload   string `json:"payload"`
}

func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.TargetRef) == "" || strings.TrimSpace(req.Payload) == "" {
		writeError(w, http.StatusBadRequest, "target_ref and payload are required")
		return
	}
	id, err := s.deps.Queue.Create(r.Context(), storage.Item{TargetRef: req.TargetRef, Payload: req.Payload})
	s.audit(r, "item.create", req.TargetRef, err)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeItemQueued, Time: s.deps.Now(), Data: eventbus.ItemEvent{ItemID: id, TargetRef: req.TargetRef}})
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": storage.StatusPending})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	at := s.deps.Scheduler.ScheduleTime(s.deps.Now())
	err := s.deps.Queue.Approve(r.Context(), id, at)
	s.audit(r, "item.approve", id, err)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeItemApproved, Time: s.deps.Now(), Data: eventbus.ItemEvent{ItemID: id}})
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           id,
		"status":       storage.StatusApproved,
		"scheduled_at": at,
		"delay":        s.deps.Scheduler.DelayDescription(at),
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Queue.Reject(r.Context(), id)
	s.audit(r, "item.reject", id, err)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.deps.Bus.Publish(eventbus.Event{Type: eventbus.TypeItemRejected, Time: s.deps.Now(), Data: eventbus.ItemEvent{ItemID: id}})
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": storage.StatusRejected})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return
	}
	res, err := s.deps.Worker.RetryDeadLetters(r.Context())
	s.audit(r, "dlq.retry", "", err)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Breakers == nil || !s.deps.Breakers.Reset(name) {
		s.audit(r, "breaker.reset", name, storage.ErrNotFound)
		writeError(w, http.StatusNotFound, "unknown breaker")
		return
	}
	s.audit(r, "breaker.reset", name, nil)
	// Items held back by the open circuit can go now.
	if s.deps.Worker != nil {
		s.deps.Worker.Wake()
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "state": breaker.StateClosed})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, "target already queued")
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "storage disabled")
	default:
		s.log.Error("admin store error", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, action, target string, err error) {
	if s.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     s.deps.Now(),
		Actor:  r.RemoteAddr,
		Source: "http",
		Action: action,
		Target: target,
		OK:     err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := s.deps.Audit.AppendAudit(context.WithoutCancel(r.Context()), e); aerr != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths rooted at /debug/pprof/.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
