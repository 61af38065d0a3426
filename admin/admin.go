// Package admin implements the Admin API (spec.md §4.8, §6): a versioned
// REST surface over the Credential Store, Instance Registry, Task Manager,
// and Context Store, authenticated by a bearer admin token.
package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/L4DK/unified-bot-protocol/contextstore"
	"github.com/L4DK/unified-bot-protocol/credential"
	"github.com/L4DK/unified-bot-protocol/dispatch"
	"github.com/L4DK/unified-bot-protocol/registry"
	"github.com/L4DK/unified-bot-protocol/statestore"
	"github.com/L4DK/unified-bot-protocol/task"
	"github.com/L4DK/unified-bot-protocol/telemetry"
)

// Server wires the Admin API's dependencies into an http.Handler.
type Server struct {
	creds    *credential.Store
	reg      *registry.Registry
	tasks    *task.Manager
	ctxdocs  *contextstore.Store
	token    string
	deadline time.Duration
	log      telemetry.Logger

	router chi.Router

	limMu      sync.Mutex
	limByToken map[string]*rate.Limiter
}

// Option configures a Server.
type Option func(*Server)

// WithDispatchDeadline sets the Server's dispatch deadline field. No handler
// reads it: actions are submitted as tasks, and each task's dispatch uses the
// Task Manager's own deadline.
func WithDispatchDeadline(d time.Duration) Option {
	return func(s *Server) { s.deadline = d }
}

// WithLogger overrides the server's logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds a Server and its chi router. adminToken is the service-level
// bearer credential required on every call (spec.md §6).
func New(creds *credential.Store, reg *registry.Registry, tasks *task.Manager, ctxdocs *contextstore.Store, adminToken string, opts ...Option) *Server {
	s := &Server{
		creds:      creds,
		reg:        reg,
		tasks:      tasks,
		ctxdocs:    ctxdocs,
		token:      adminToken,
		deadline:   30 * time.Second,
		log:        telemetry.NewNoopLogger(),
		limByToken: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Location", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metricz", s.handleMetricz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.authenticate)
		v1.Use(s.rateLimit)

		v1.Route("/bots", func(rt chi.Router) {
			rt.Post("/", s.handleCreateBot)
			rt.Get("/", s.handleListBots)
			rt.Route("/{bot_id}", func(b chi.Router) {
				b.Get("/", s.handleGetBot)
				b.Put("/", s.handleUpdateBot)
				b.Delete("/", s.handleDeleteBot)
				b.Get("/instances", s.handleListInstances)
				b.Post("/actions/{command_name}", s.handleDispatchAction)
			})
		})

		v1.Get("/tasks/{task_id}", s.handleGetTask)

		v1.Get("/capabilities/{capability}/instance", s.handleSelectByCapability)

		v1.Route("/context/{session_id}/{namespace}", func(c chi.Router) {
			c.Post("/", s.handleUpsertContext)
			c.Get("/", s.handleGetContext)
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleMetricz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		telemetry.MetricActiveInstances: s.reg.Count(),
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusInternalServerError, "InternalError", "admin token not configured")
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "AuthError", "missing or invalid admin credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a per-admin-token token bucket so a single caller
// cannot starve the control plane (supplemented feature, SPEC_FULL.md §9 --
// the underlying spec.md Non-goal excludes rate limiting of external APIs
// the core proxies, not admin-facing abuse protection for its own REST
// surface).
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.limMu.Lock()
		lim, ok := s.limByToken[s.token]
		if !ok {
			lim = rate.NewLimiter(rate.Limit(50), 100)
			s.limByToken[s.token] = lim
		}
		s.limMu.Unlock()
		if !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "RateLimited", "too many admin requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createBotRequest struct {
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	AdapterType   string            `json:"adapter_type"`
	Capabilities  []string          `json:"capabilities"`
	Configuration map[string]string `json:"configuration"`
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "malformed request body")
		return
	}
	if req.Name == "" || req.AdapterType == "" {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "name and adapter_type are required")
		return
	}
	botID, token, err := s.creds.CreateDefinition(r.Context(), credential.Spec{
		Name: req.Name, Description: req.Description, AdapterType: req.AdapterType,
		DeclaredCapabilities: req.Capabilities, Configuration: req.Configuration,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bot_id":                       botID,
		"one_time_registration_token": token,
		"created_at":                   time.Now().UTC(),
	})
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	defs, err := s.creds.ListDefinitions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "bot_id")
	def, err := s.creds.GetDefinition(r.Context(), botID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "bot_id")
	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "malformed request body")
		return
	}
	def, err := s.creds.UpdateDefinition(r.Context(), botID, credential.Spec{
		Name: req.Name, Description: req.Description, AdapterType: req.AdapterType,
		DeclaredCapabilities: req.Capabilities, Configuration: req.Configuration,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "bot_id")
	if err := s.creds.DeleteDefinition(r.Context(), botID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type instanceView struct {
	InstanceID          string    `json:"instance_id"`
	ConnectedAt         time.Time `json:"connected_at"`
	RuntimeCapabilities []string  `json:"runtime_capabilities"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "bot_id")
	sessions := s.reg.ListByBot(botID)
	out := make([]instanceView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, instanceView{
			InstanceID:          sess.InstanceID(),
			ConnectedAt:         sess.ConnectedAt(),
			RuntimeCapabilities: sess.Capabilities(),
			LastHeartbeatAt:     sess.LastHeartbeatAt(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDispatchAction(w http.ResponseWriter, r *http.Request) {
	botID := chi.URLParam(r, "bot_id")
	commandName := chi.URLParam(r, "command_name")
	args, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "malformed request body")
		return
	}
	traceID := middleware.GetReqID(r.Context())
	taskID, err := s.tasks.Submit(r.Context(), traceID, botID, commandName, args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+taskID)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "state": string(task.Pending)})
}

// handleSelectByCapability exposes the registry's unscoped
// select_by_capability(capability, policy) operation (spec.md §4.4) as a
// read-only diagnostic: which instance, across the whole fleet, would next
// receive a command requiring capability if one were dispatched right now.
// It does not itself dispatch anything.
func (s *Server) handleSelectByCapability(w http.ResponseWriter, r *http.Request) {
	capability := chi.URLParam(r, "capability")
	sess, ok := s.reg.SelectByCapability(capability)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "NoCapableInstance", "no active instance with required capability")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bot_id":      sess.BotID(),
		"instance_id": sess.InstanceID(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	t, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !t.State.Terminal() {
		w.Header().Set("Retry-After", "1")
	}
	resp := map[string]any{"task_id": t.TaskID, "state": string(t.State)}
	if len(t.Result) > 0 {
		resp["result"] = json.RawMessage(t.Result)
	}
	if t.Error != "" {
		resp["error"] = t.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

type upsertContextRequest struct {
	TTLSeconds int             `json:"ttlSeconds"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Server) handleUpsertContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	namespace := chi.URLParam(r, "namespace")
	var req upsertContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "malformed request body")
		return
	}
	s.ctxdocs.Upsert(sessionID, namespace, req.Payload, req.TTLSeconds)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	namespace := chi.URLParam(r, "namespace")
	payload, err := s.ctxdocs.Get(sessionID, namespace)
	if err != nil {
		writeError(w, http.StatusNotFound, "NotFound", "no context document for that session/namespace")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "no such entity")
	case errors.Is(err, statestore.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, dispatch.ErrNoCapableInstance):
		writeError(w, http.StatusServiceUnavailable, "NoCapableInstance", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "InternalError", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": msg})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.ContentLength == 0 {
		return nil, nil
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
