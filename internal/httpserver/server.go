// Package httpserver exposes the orchestrator's operations over a thin REST
// surface. All domain semantics live in the catalog, deploy, cleanup, and
// analytics packages; this layer only decodes, dispatches, and maps errors.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cortexdc/orchestrator/internal/analytics"
	"github.com/cortexdc/orchestrator/internal/audit"
	"github.com/cortexdc/orchestrator/internal/auth"
	"github.com/cortexdc/orchestrator/internal/catalog"
	"github.com/cortexdc/orchestrator/internal/cleanup"
	"github.com/cortexdc/orchestrator/internal/config"
	"github.com/cortexdc/orchestrator/internal/deploy"
	"github.com/cortexdc/orchestrator/internal/store"
)

type Server struct {
	cfg       config.Config
	catalog   *catalog.Catalog
	orch      *deploy.Orchestrator
	cleanup   *cleanup.Manager
	analytics *analytics.Aggregator
	audit     audit.Log
	guard     *auth.Guard
	store     store.Store
}

func New(cfg config.Config, cat *catalog.Catalog, orch *deploy.Orchestrator, cleanupMgr *cleanup.Manager, agg *analytics.Aggregator, auditLog audit.Log, guard *auth.Guard, st store.Store) *Server {
	return &Server{
		cfg:       cfg,
		catalog:   cat,
		orch:      orch,
		cleanup:   cleanupMgr,
		analytics: agg,
		audit:     auditLog,
		guard:     guard,
		store:     st,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(auth.MiddlewareConfig{
			JWTSecret:       s.cfg.JWTSecret,
			AllowDebugActor: s.cfg.AllowDebugActor,
		}))

		r.Post("/scenarios", s.handleCreateScenario)
		r.Get("/scenarios", s.handleListScenarios)
		r.Get("/scenarios/{scenarioId}", s.handleGetScenario)
		r.Post("/scenarios/{scenarioId}/versions", s.handleNewVersion)

		r.Post("/deployments", s.handleDeploy)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Post("/deployments/{id}/steps/{stepId}", s.handleExecuteStep)
		r.Post("/deployments/{id}/rollback", s.handleRollback)
		r.Post("/deployments/{id}/complete", s.handleComplete)
		r.Post("/deployments/{id}/resources", s.handleRegisterResource)
		r.Post("/deployments/{id}/artifacts/{filename}", s.handleUploadArtifact)
		r.Get("/deployments/{id}/artifacts/{filename}", s.handleArtifactURL)

		r.Get("/analytics/scenarios/{scenarioId}", s.handleScenarioAnalytics)
		r.Get("/analytics/consultants/{consultant}", s.handleConsultantAnalytics)
		r.Get("/audit/{entityId}", s.handleAuditList)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateScenario(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req catalog.CreateScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	def, err := s.catalog.CreateScenario(r.Context(), req, actor)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleNewVersion(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req catalog.CreateScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.ScenarioID = chi.URLParam(r, "scenarioId")
	def, err := s.catalog.NewVersion(r.Context(), req, actor)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	filter := store.ScenarioFilter{
		Category:   r.URL.Query().Get("category"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	defs, err := s.catalog.List(r.Context(), filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, defs)
}

func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	def, err := s.catalog.GetActive(r.Context(), chi.URLParam(r, "scenarioId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var req deploy.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ScenarioID == "" || req.POVID == "" || req.Environment == "" {
		respondError(w, http.StatusBadRequest, "scenarioId, povId, and environment required")
		return
	}
	d, err := s.orch.DeployScenario(r.Context(), req, actor)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	d, err := s.orch.GetScenarioState(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	result, err := s.orch.ExecuteStep(r.Context(), id, chi.URLParam(r, "stepId"), actor)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	res, err := s.orch.ExecuteRollback(r.Context(), id, actor)
	if err != nil {
		var rbErr *deploy.RollbackError
		if errors.As(err, &rbErr) {
			// Surface the partial result so operators can see which
			// teardown step needs attention.
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":  rbErr.Error(),
				"result": res,
			})
			return
		}
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type completeRequest struct {
	Results json.RawMessage `json:"results"`
	Metrics json.RawMessage `json:"metrics"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.orch.CompleteScenario(r.Context(), id, req.Results, req.Metrics, actor)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type registerResourceRequest struct {
	Category string `json:"category"`
	Handle   string `json:"handle"`
}

func (s *Server) handleRegisterResource(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	var req registerResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Category == "" || req.Handle == "" {
		respondError(w, http.StatusBadRequest, "category and handle required")
		return
	}
	current, err := s.orch.GetScenarioState(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.guard.CanOperate(actor, current.CreatedBy); err != nil {
		respondErr(w, err)
		return
	}
	d, err := s.cleanup.RegisterResource(r.Context(), id, req.Category, req.Handle)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		respondError(w, http.StatusBadRequest, "filename required")
		return
	}
	current, err := s.orch.GetScenarioState(r.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.guard.CanOperate(actor, current.CreatedBy); err != nil {
		respondErr(w, err)
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	defer r.Body.Close()
	d, key, err := s.cleanup.UploadArtifact(r.Context(), id, filename, r.Body, contentType)
	if err != nil {
		if errors.Is(err, cleanup.ErrArtifactsDisabled) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondErr(w, err)
		return
	}
	s.record(r.Context(), audit.ActionArtifactUploaded, actor, id.String(), map[string]string{"key": key})
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"key":        key,
		"deployment": d,
	})
}

func (s *Server) handleArtifactURL(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid deployment id")
		return
	}
	url, err := s.cleanup.SignedArtifactURL(r.Context(), id, chi.URLParam(r, "filename"), 15*time.Minute)
	if err != nil {
		if errors.Is(err, cleanup.ErrArtifactsDisabled) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) record(ctx context.Context, action string, actor auth.Actor, entityID string, details interface{}) {
	if s.audit == nil {
		return
	}
	entry := &audit.Entry{Action: action, Actor: actor.ID, EntityID: entityID, Details: details}
	if err := s.audit.Append(ctx, entry); err != nil {
		log.Printf("[httpserver] append audit entry: %v", err)
	}
}

func (s *Server) handleScenarioAnalytics(w http.ResponseWriter, r *http.Request) {
	rec, err := s.analytics.Get(r.Context(), chi.URLParam(r, "scenarioId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleConsultantAnalytics(w http.ResponseWriter, r *http.Request) {
	rec, err := s.analytics.ComputeConsultant(r.Context(), chi.URLParam(r, "consultant"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.audit.ListByEntity(r.Context(), chi.URLParam(r, "entityId"), 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

// respondErr maps domain errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, audit.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
