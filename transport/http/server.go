// Package http exposes the Runner Orchestration Engine's external interface
// (§6) over chi: Allocate/AllocateAsync, ReportRunnerState, ExtendSession,
// TerminateRunner, and AttachTerminal, plus health and Prometheus endpoints.
// Routing and middleware follow the pack's chi-based API layer
// (request-id/logging/metrics/recovery/timeout, an unauthenticated
// health/metrics surface, and a versioned route group for the domain API);
// no CORS middleware is mounted.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/runnerforge/engine/allocator"
	"github.com/runnerforge/engine/domain/runner"
	"github.com/runnerforge/engine/internal/engineerr"
	"github.com/runnerforge/engine/internal/logging"
	"github.com/runnerforge/engine/internal/metrics"
	"github.com/runnerforge/engine/pipeline"
	"github.com/runnerforge/engine/pkg/version"
	"github.com/runnerforge/engine/storage"
)

// terminalAttachStates is the set AttachTerminal accepts a runner in (§6).
var terminalAttachStates = map[runner.State]bool{
	runner.StateReadyClaimed:   true,
	runner.StateReady:          true,
	runner.StateActive:         true,
	runner.StateAwaitingClient: true,
}

// Server wires the domain collaborators to chi handlers.
type Server struct {
	Router *chi.Mux

	store       storage.Store
	allocator   *allocator.Allocator
	termination *pipeline.Termination
	metrics     *metrics.Metrics
	logger      *logging.Logger
	jwtSecret   []byte
}

// New constructs a Server with middleware and routes mounted; domain state
// mutation flows through store/allocator/termination only. jwtSecret signs
// and verifies the terminal_token handed out by Allocate/AllocateAsync and
// checked by AttachTerminal.
func New(store storage.Store, alloc *allocator.Allocator, termination *pipeline.Termination, m *metrics.Metrics, logger *logging.Logger, jwtSecret []byte) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		store:       store,
		allocator:   alloc,
		termination: termination,
		metrics:     m,
		logger:      logger,
		jwtSecret:   jwtSecret,
	}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(requestLogger(logger))
	s.Router.Use(recordMetrics(m))
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(middleware.Timeout(30 * time.Second))

	s.Router.Get("/healthz", s.handleHealthz)
	if m != nil {
		s.Router.Handle("/metrics", promhttp.Handler())
	}

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/runners", s.handleAllocate)
		r.Post("/runners/async", s.handleAllocateAsync)
		r.Post("/runners/{runnerID}/state", s.handleReportState)
		r.Post("/runners/{runnerID}/extend", s.handleExtendSession)
		r.Delete("/runners/{runnerID}", s.handleTerminate)
		r.Post("/runners/{runnerID}/terminal", s.handleAttachTerminal)
	})

	return s
}

type allocateRequest struct {
	ImageID        string            `json:"image_id"`
	UserID         string            `json:"user_email"`
	SessionMinutes int               `json:"session_minutes"`
	EnvData        map[string]string `json:"env_data"`
	ClientIP       string            `json:"client_ip"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.allocator.Allocate(r.Context(), allocator.Request{
		ImageID: req.ImageID, UserID: req.UserID, SessionMinutes: req.SessionMinutes,
		EnvData: req.EnvData, ClientIP: clientIP(r, req.ClientIP),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	terminalToken, err := s.issueTerminalToken(result.LifecycleToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url": result.URL, "runner_id": result.RunnerID, "lifecycle_token": result.LifecycleToken,
		"terminal_token": terminalToken,
	})
}

func (s *Server) handleAllocateAsync(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.allocator.AllocateAsync(r.Context(), allocator.Request{
		ImageID: req.ImageID, UserID: req.UserID, SessionMinutes: req.SessionMinutes,
		EnvData: req.EnvData, ClientIP: clientIP(r, req.ClientIP),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	terminalToken, err := s.issueTerminalToken(token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"lifecycle_token": token, "terminal_token": terminalToken})
}

type reportStateRequest struct {
	State string `json:"state"`
}

// handleReportState applies an external VM bootstrap report (§6
// ReportRunnerState): the runner is loaded, the report is validated against
// its current state via the state machine, and any resulting transition is
// applied through the same conditional update every other mutator uses.
func (s *Server) handleReportState(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	var req reportStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !runner.ValidateReportState(req.State) {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "unknown runner state: "+req.State))
		return
	}

	current, err := s.store.GetRunner(r.Context(), runnerID)
	if err != nil {
		writeError(w, err)
		return
	}

	to, err := runner.ReportTransition(current.State, req.State)
	if err != nil {
		writeError(w, err)
		return
	}
	if to != current.State {
		if err := s.store.CompareAndSetState(r.Context(), runnerID, current.State, to, nil); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.store.AppendHistory(r.Context(), &runner.History{
		RunnerID:  runnerID,
		EventName: "state_reported_" + req.State,
		EventData: map[string]interface{}{"state": req.State},
		CreatedBy: "vm_bootstrap",
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type extendSessionRequest struct {
	ExtraMinutes int `json:"extra_minutes"`
}

func (s *Server) handleExtendSession(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	var req extendSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	const maxSessionMinutes = 180
	if err := s.store.ExtendSession(r.Context(), runnerID, req.ExtraMinutes, time.Duration(maxSessionMinutes)*time.Minute); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

// handleTerminate is idempotent: a not-found or already-terminated runner is
// treated as success (§7 RESOURCE_NOT_FOUND).
func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	if err := s.termination.Run(r.Context(), runnerID, "api_terminate_request"); err != nil && !engineerr.Is(err, engineerr.ResourceNotFound) {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachTerminalRequest struct {
	TerminalToken string `json:"terminal_token"`
}

// handleAttachTerminal validates the runner is in an attachable state and
// transitions it to active (§6 AttachTerminal). The actual duplex channel
// is carried by the Event Bus / WebSocket transport, not this endpoint.
func (s *Server) handleAttachTerminal(w http.ResponseWriter, r *http.Request) {
	runnerID := chi.URLParam(r, "runnerID")
	var req attachTerminalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TerminalToken == "" {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "terminal_token is required"))
		return
	}

	current, err := s.store.GetRunner(r.Context(), runnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.verifyTerminalToken(current.LifecycleToken, req.TerminalToken); err != nil {
		writeError(w, engineerr.Wrap(engineerr.InvalidRequest, "attach terminal", err))
		return
	}
	if !terminalAttachStates[current.State] {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "runner is not in an attachable state"))
		return
	}
	if err := s.store.CompareAndSetState(r.Context(), runnerID, current.State, runner.StateActive, nil); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func clientIP(r *http.Request, override string) string {
	if override != "" {
		return override
	}
	return r.RemoteAddr
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, engineerr.New(engineerr.InvalidRequest, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an engineerr.Kind to its HTTP status equivalent (§7).
func writeError(w http.ResponseWriter, err error) {
	kind := engineerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case engineerr.InvalidRequest:
		status = http.StatusBadRequest
	case engineerr.ResourceNotFound:
		status = http.StatusNotFound
	case engineerr.CloudAuth:
		status = http.StatusForbidden
	case engineerr.ConcurrencyConflict:
		status = http.StatusConflict
	case engineerr.CloudTransient, engineerr.ProvisioningFailure, engineerr.ScriptFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}
