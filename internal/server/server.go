// Package server exposes the sync service over HTTP: job lifecycle
// endpoints, migration planning, and a server-sent-events progress stream.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dbforge/pgbridge/internal/artifact"
	"github.com/dbforge/pgbridge/internal/errs"
	"github.com/dbforge/pgbridge/internal/logger"
	"github.com/dbforge/pgbridge/internal/syncjob"
)

// userHeader carries the caller identity. Authentication itself lives in
// front of this service; an empty header is rejected.
const userHeader = "X-User-ID"

// presignTTL bounds artifact download links.
const presignTTL = 15 * time.Minute

// Server wires the HTTP API over the orchestrator and its stores.
type Server struct {
	orch      *syncjob.Orchestrator
	pool      *syncjob.Pool
	store     syncjob.Store
	artifacts artifact.Store // nil when object storage is not configured
	log       *logger.Logger
}

// New builds the server. artifacts may be nil.
func New(orch *syncjob.Orchestrator, pool *syncjob.Pool, store syncjob.Store, artifacts artifact.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{orch: orch, pool: pool, store: store, artifacts: artifacts, log: log}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/migration-plan", s.handleMigrationPlan)
		r.Post("/migration-plan/apply", s.handleApplyMigration)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleDeleteJob)
				r.Get("/logs", s.handleJobLogs)
				r.Get("/metrics", s.handleJobMetrics)
				r.Get("/events", s.handleJobEvents)
				r.Post("/dry-run", s.handleDryRun)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/stop", s.handleStop)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	var spec syncjob.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, errs.Wrap(errs.ErrKindInvalidInput, "decoding job spec", err))
		return
	}
	spec.UserID = userID

	job, err := s.orch.Create(r.Context(), &spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pool.Enqueue(job.ID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	job, err := s.store.GetByID(r.Context(), chi.URLParam(r, "jobID"), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.orch.DeleteJob(r.Context(), chi.URLParam(r, "jobID"), userID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetByID(r.Context(), jobID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	logs, err := s.store.Logs(r.Context(), jobID, 500)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetByID(r.Context(), jobID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	snap, running := s.orch.Metrics(jobID)
	if !running {
		s.writeError(w, errs.Newf(errs.ErrKindNotFound, "job %s has no live metrics", jobID))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	d, plan, err := s.orch.DryRun(r.Context(), chi.URLParam(r, "jobID"), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": d, "plan": plan})
}

// migrationPlanRequest asks for a diff + remediation plan between two
// registered connections, outside any job. ConfirmationToken is only
// consulted by the apply endpoint, for production targets.
type migrationPlanRequest struct {
	SourceConnectionID string   `json:"sourceConnectionId"`
	TargetConnectionID string   `json:"targetConnectionId"`
	Tables             []string `json:"tables,omitempty"`
	Upload             bool     `json:"upload,omitempty"`
	ConfirmationToken  string   `json:"confirmationToken,omitempty"`
}

func (s *Server) handleMigrationPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	var req migrationPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.ErrKindInvalidInput, "decoding plan request", err))
		return
	}
	if req.SourceConnectionID == "" || req.TargetConnectionID == "" {
		s.writeError(w, errs.New(errs.ErrKindInvalidInput, "source and target connection ids are required"))
		return
	}

	d, plan, err := s.orch.PlanMigration(r.Context(), userID,
		req.SourceConnectionID, req.TargetConnectionID, req.Tables)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := map[string]any{"diff": d, "plan": plan}
	if req.Upload && s.artifacts != nil && plan.CombinedSQL != "" {
		name := fmt.Sprintf("%s-to-%s.sql", req.SourceConnectionID, req.TargetConnectionID)
		key, err := s.artifacts.PutScript(r.Context(), "adhoc", name, plan.CombinedSQL)
		if err != nil {
			s.writeError(w, err)
			return
		}
		url, err := s.artifacts.PresignGet(r.Context(), key, presignTTL)
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp["artifact"] = map[string]string{"key": key, "url": url}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleApplyMigration executes the plan's safe scripts on the target.
// Statement failures land in the report, not in the HTTP status.
func (s *Server) handleApplyMigration(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}

	var req migrationPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Wrap(errs.ErrKindInvalidInput, "decoding apply request", err))
		return
	}
	if req.SourceConnectionID == "" || req.TargetConnectionID == "" {
		s.writeError(w, errs.New(errs.ErrKindInvalidInput, "source and target connection ids are required"))
		return
	}

	plan, report, err := s.orch.ApplyMigration(r.Context(), userID,
		req.SourceConnectionID, req.TargetConnectionID, req.ConfirmationToken, req.Tables)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plan": plan, "report": report})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.orch.Pause(r.Context(), chi.URLParam(r, "jobID"), userID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if err := s.orch.Resume(r.Context(), jobID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pool.Enqueue(jobID, userID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resume requested"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	if err := s.orch.Stop(r.Context(), chi.URLParam(r, "jobID"), userID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

// handleJobEvents streams the job's progress events over SSE until the
// client disconnects or the job reaches a terminal status.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.user(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.store.GetByID(r.Context(), jobID, userID); err != nil {
		s.writeError(w, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		s.writeError(w, errs.New(errs.ErrKindInvalidInput, "streaming is not supported by this connection"))
		return
	}

	events, cancel := s.orch.Broker().Subscribe(jobID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

			if ev.Status == string(syncjob.StatusCompleted) || ev.Status == string(syncjob.StatusFailed) {
				return
			}
		}
	}
}

// --- helpers ---

func (s *Server) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		s.writeError(w, errs.New(errs.ErrKindInvalidInput, "missing "+userHeader+" header"))
		return "", false
	}
	return userID, true
}

// writeError maps error kinds onto HTTP status codes. Bodies only ever
// carry sanitized messages; causes go to the log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.ErrKindNotFound:
		status = http.StatusNotFound
	case errs.ErrKindInvalidInput:
		status = http.StatusBadRequest
	case errs.ErrKindConflict:
		status = http.StatusConflict
	case errs.ErrKindLimitExceeded:
		status = http.StatusTooManyRequests
	case errs.ErrKindSchemaIncompatible:
		status = http.StatusUnprocessableEntity
	case errs.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	case errs.ErrKindConnection:
		status = http.StatusBadGateway
	}

	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": errs.Sanitize(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}
