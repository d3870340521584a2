// Package api serves the chainops HTTP interface: subject transitions,
// execution control and queries, chain/trigger/gate management, live event
// streams and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/chainops/internal/dispatch"
	"github.com/rendis/chainops/internal/engine"
	"github.com/rendis/chainops/internal/gate"
	"github.com/rendis/chainops/internal/ledger"
	"github.com/rendis/chainops/internal/metrics"
	"github.com/rendis/chainops/internal/store"
	"github.com/rendis/chainops/internal/streaming"
	"github.com/rendis/chainops/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	Gates      *gate.Service
	Rules      *ledger.RuleTable
	Validator  validation.Validator
	Hub        streaming.EventHub
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// Server serves the JSON API.
type Server struct {
	deps Deps
}

// NewServer creates a Server. Validator, Rules, Hub and Metrics are optional.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	// Subjects and the transition ledger.
	mux.HandleFunc("POST /subjects", s.handleCreateSubject)
	mux.HandleFunc("GET /subjects/{type}", s.handleListSubjects)
	mux.HandleFunc("GET /subjects/{type}/{id}", s.handleGetSubject)
	mux.HandleFunc("POST /subjects/{type}/{id}/transition", s.handleTransition)
	mux.HandleFunc("GET /subjects/{type}/{id}/transitions", s.handleListTransitions)

	// Executions.
	mux.HandleFunc("POST /executions", s.handleStartExecution)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /executions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /executions/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /executions/{id}/rerun", s.handleRerun)

	// Definitions.
	mux.HandleFunc("POST /chains", s.handleCreateChain)
	mux.HandleFunc("GET /chains", s.handleListChains)
	mux.HandleFunc("GET /chains/{id}", s.handleGetChain)
	mux.HandleFunc("PUT /chains/{id}", s.handleUpdateChain)
	mux.HandleFunc("POST /triggers", s.handleCreateTrigger)
	mux.HandleFunc("GET /triggers", s.handleListTriggers)
	mux.HandleFunc("GET /triggers/{id}", s.handleGetTrigger)
	mux.HandleFunc("PATCH /triggers/{id}", s.handleUpdateTrigger)
	mux.HandleFunc("DELETE /triggers/{id}", s.handleDeleteTrigger)
	mux.HandleFunc("PUT /rule-sets/{type}", s.handlePutRuleSet)
	mux.HandleFunc("GET /rule-sets", s.handleListRuleSets)

	// Pause gates.
	mux.HandleFunc("POST /gates", s.handleOpenGate)
	mux.HandleFunc("GET /gates", s.handleListGates)
	mux.HandleFunc("GET /gates/{id}", s.handleGetGate)
	mux.HandleFunc("POST /gates/{id}/approve", s.handleApproveGate)
	mux.HandleFunc("POST /gates/{id}/reject", s.handleRejectGate)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)
	mux.HandleFunc("GET /sse/subjects/{type}/{id}", s.handleSSESubject)

	return s.logRequests(mux)
}

// logRequests logs every request at debug level and failures at warn.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
