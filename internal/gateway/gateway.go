// Package gateway exposes the engine over a local HTTP and WebSocket API.
// All endpoints except /healthz require a bearer token.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/fault"
	"github.com/basket/loom/internal/kernel"
	"github.com/basket/loom/internal/otel"
	"github.com/basket/loom/internal/persistence"
	"github.com/basket/loom/internal/scheduler"
	"github.com/basket/loom/internal/session"
	"github.com/basket/loom/internal/shared"
)

// Config carries the wired engine components the gateway delegates to.
type Config struct {
	Store     *persistence.Store
	Scheduler *scheduler.Scheduler
	Sessions  *session.Manager
	Kernel    *kernel.Manager
	Bus       *bus.Bus
	// Reload re-reads configuration and refreshes the kernel binding.
	// Returns whether a rebind happened.
	Reload    func(ctx context.Context) (bool, error)
	AuthToken string
	Metrics   *otel.Metrics
	Log       *slog.Logger
}

type Server struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/submit", s.handleSubmit)
	mux.HandleFunc("/api/v1/task/", s.handleTask)
	mux.HandleFunc("/api/v1/queue/pause", s.queueControl(func(ctx context.Context) error {
		s.cfg.Scheduler.Pause(ctx)
		return nil
	}))
	mux.HandleFunc("/api/v1/queue/resume", s.queueControl(func(ctx context.Context) error {
		s.cfg.Scheduler.Resume(ctx)
		return nil
	}))
	mux.HandleFunc("/api/v1/queue/purge", s.handlePurge)
	mux.HandleFunc("/api/v1/queue/emergency-stop", s.queueControl(func(ctx context.Context) error {
		return s.cfg.Scheduler.EmergencyStop(ctx)
	}))
	mux.HandleFunc("/api/v1/queue/emergency-reset", s.queueControl(func(ctx context.Context) error {
		s.cfg.Scheduler.ResetEmergencyStop(ctx)
		return nil
	}))
	mux.HandleFunc("/api/v1/queue/status", s.handleQueueStatus)
	mux.HandleFunc("/api/v1/session/", s.handleSession)
	mux.HandleFunc("/api/v1/memory", s.handleMemory)
	mux.HandleFunc("/api/v1/system/boot", s.handleBoot)
	mux.HandleFunc("/api/v1/system/reload", s.handleReload)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	var h http.Handler = mux
	if s.cfg.Metrics != nil {
		h = s.timed(h)
	}
	return s.traced(h)
}

// traced stamps every request context with a fresh trace id.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// timed records per-request durations. The events socket is excluded: its
// lifetime is the connection, not a request.
func (s *Server) timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrQueueRejected):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// guard rejects requests with the wrong method or a bad token and reports
// whether the handler should proceed.
func (s *Server) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.StatusCounts(r.Context()); err != nil {
		dbOK = false
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": dbOK})
}

type submitRequest struct {
	SessionID      string   `json:"session_id"`
	Content        string   `json:"content"`
	Lane           string   `json:"lane,omitempty"`
	ForcedIntent   string   `json:"forced_intent,omitempty"`
	ForcedProvider string   `json:"forced_provider,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Validationf("bad request body: %v", err))
		return
	}
	task, err := s.cfg.Scheduler.Submit(r.Context(), scheduler.SubmitParams{
		SessionID:      req.SessionID,
		Content:        req.Content,
		Lane:           req.Lane,
		ForcedIntent:   req.ForcedIntent,
		ForcedProvider: req.ForcedProvider,
		Attachments:    req.Attachments,
	})
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SubmitRejects.Add(r.Context(), 1)
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		TaskID string `json:"task_id"`
		*persistence.Task
	}{task.ID, task})
}

// handleTask serves GET /api/v1/task/{id}, GET /api/v1/task/{id}/logs and
// DELETE /api/v1/task/{id}.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/task/")
	taskID, sub, _ := strings.Cut(rest, "/")
	if taskID == "" {
		s.writeError(w, fault.Validationf("task id required"))
		return
	}
	switch {
	case r.Method == http.MethodGet && sub == "":
		task, err := s.cfg.Store.GetTask(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		logs, err := s.cfg.Store.TaskLogs(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			*persistence.Task
			Logs []persistence.TaskLog `json:"logs"`
		}{task, logs})
	case r.Method == http.MethodGet && sub == "logs":
		if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
			s.writeError(w, err)
			return
		}
		logs, err := s.cfg.Store.TaskLogs(r.Context(), taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "logs": logs})
	case r.Method == http.MethodDelete && sub == "":
		if err := s.cfg.Scheduler.Cancel(r.Context(), taskID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "cancelled"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) queueControl(f func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.guard(w, r, http.MethodPost) {
			return
		}
		if err := f(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		snap, err := s.cfg.Scheduler.Status(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	cancelled, err := s.cfg.Scheduler.Purge(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": len(cancelled), "task_ids": cancelled})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	snap, err := s.cfg.Scheduler.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodDelete) {
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/v1/session/")
	if sessionID == "" {
		s.writeError(w, fault.Validationf("session id required"))
		return
	}
	if err := s.cfg.Sessions.Reset(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.cfg.Bus.Publish(bus.TopicSessionReset, map[string]string{"session_id": sessionID})
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": "reset"})
}

type memoryRequest struct {
	SessionID string `json:"session_id,omitempty"` // empty = global fact
	Key       string `json:"key"`
	Value     string `json:"value"`
	Source    string `json:"source,omitempty"`
}

// handleMemory serves the long-term fact store: POST upserts, DELETE removes
// by key, GET searches with the same scoring the context builder uses.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req memoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, fault.Validationf("bad request body: %v", err))
			return
		}
		if err := s.cfg.Store.UpsertMemory(r.Context(), req.SessionID, req.Key, req.Value, req.Source); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "status": "stored"})
	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if key == "" {
			s.writeError(w, fault.Validationf("memory key is required"))
			return
		}
		if err := s.cfg.Store.DeleteMemory(r.Context(), r.URL.Query().Get("session_id"), key); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"key": key, "status": "deleted"})
	case http.MethodGet:
		query := r.URL.Query().Get("q")
		if query == "" {
			s.writeError(w, fault.Validationf("query parameter q is required"))
			return
		}
		entries, err := s.cfg.Store.SearchMemories(r.Context(), r.URL.Query().Get("session_id"), query, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if entries == nil {
			entries = []persistence.MemoryEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": entries})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBoot(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	bootID, err := s.cfg.Store.CurrentBootID(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{"boot_id": bootID}
	if s.cfg.Kernel != nil {
		b := s.cfg.Kernel.Binding()
		resp["binding"] = b.Identity
		resp["generation"] = b.Generation
		resp["bound_at"] = b.BoundAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	if s.cfg.Reload == nil {
		s.writeError(w, fault.Validationf("reload not configured"))
		return
	}
	rebound, err := s.cfg.Reload(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "rebound": rebound})
}

// wireEvent is the frame shape pushed to /api/v1/events subscribers.
type wireEvent struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	prefix := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(prefix)
	s.log.Info("events: client connected", "topic", prefix)
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		s.log.Info("events: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				// Pruned as a slow consumer.
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			frame := wireEvent{Topic: ev.Topic, Payload: ev.Payload, Timestamp: ev.Timestamp}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
