// Package httpapi exposes the scheduler and run history over HTTP: webhook
// intake, manual runs, schedule control, a live event stream and metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/openweavr/weavr/internal/scheduler"
	"github.com/openweavr/weavr/internal/store"
	"github.com/openweavr/weavr/internal/streaming"
	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultMaxBodyBytes caps webhook and deploy request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Scheduler is the subset of *scheduler.Scheduler the API drives.
type Scheduler interface {
	ScheduleWorkflow(name, source string) error
	UnscheduleWorkflow(name string) error
	PauseWorkflow(name string) error
	ResumeWorkflow(name string) error
	TriggerWebhook(source string, p scheduler.WebhookPayload) scheduler.WebhookResult
	RunWorkflow(name string, payload map[string]any) (string, error)
	List() []schema.ScheduledWorkflow
	Get(name string) (schema.ScheduledWorkflow, bool)
}

// RunHistory is the in-memory read model of finished runs.
type RunHistory interface {
	List() []*schema.Run
	Get(id string) (*schema.Run, bool)
}

// Deps holds the dependencies for the API server. Scheduler and History are
// required; the rest are optional.
type Deps struct {
	Scheduler Scheduler
	History   RunHistory
	RunLog    store.Store
	Hub       streaming.EventHub
	Metrics   http.Handler
	// MCP serves the MCP streamable HTTP transport under /mcp.
	MCP          http.Handler
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// Server serves the weavr HTTP API.
type Server struct {
	http.Server
	deps Deps
}

// New builds the server and its routes. addr is the listen address.
func New(addr string, deps Deps) (*Server, error) {
	if deps.Scheduler == nil || deps.History == nil {
		return nil, errors.New("httpapi: scheduler and history are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
		},
		deps: deps,
	}
	s.Handler = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/webhooks/{source}", s.handleWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/{source}/{path:.+}", s.handleWebhook).Methods(http.MethodPost)

	router.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{name}", s.handleDeployWorkflow).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{name}", s.handleDeleteWorkflow).Methods(http.MethodDelete)
	router.HandleFunc("/workflows/{name}/runs", s.handleRunWorkflow).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{name}/runs", s.handleWorkflowRunLog).Methods(http.MethodGet)

	router.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)

	router.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	router.HandleFunc("/schedules/{name}", s.handleGetSchedule).Methods(http.MethodGet)
	router.HandleFunc("/schedules/{name}/pause", s.handlePause).Methods(http.MethodPost)
	router.HandleFunc("/schedules/{name}/resume", s.handleResume).Methods(http.MethodPost)

	if s.deps.Hub != nil {
		router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
	if s.deps.MCP != nil {
		router.PathPrefix("/mcp").Handler(s.deps.MCP)
	}
	if s.deps.Metrics != nil {
		router.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	router.Use(s.loggingMiddleware)
	return router
}

// Start listens until the server is shut down. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.deps.Logger.Info("starting http server", zap.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting up to timeout for open requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.deps.Logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the event stream working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.deps.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
