// Package api exposes the admin surface of the pipeline: manual job
// triggers, job run history, and notification log inspection with
// per-notification retry.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prajwalk/classrelay/internal/circuitbreaker"
	"github.com/prajwalk/classrelay/internal/db"
	"github.com/prajwalk/classrelay/internal/jobs"
)

// JobRunner triggers and retries jobs, implemented by jobs.Runner.
type JobRunner interface {
	Trigger(ctx context.Context, name string) (*db.JobRun, *jobs.Result, error)
	RetryRun(ctx context.Context, runID uuid.UUID) (*db.JobRun, *jobs.Result, error)
}

// Store covers the read side of the admin API, implemented by
// db.Repository.
type Store interface {
	ListJobRuns(ctx context.Context, jobName string, limit, offset int) ([]*db.JobRun, error)
	ListNotificationLogs(ctx context.Context, orgID, branchID uuid.UUID, status string, limit, offset int) ([]*db.NotificationLog, error)
}

// NotificationRetrier re-dispatches a failed notification, implemented
// by dispatcher.Dispatcher.
type NotificationRetrier interface {
	RetryNotification(ctx context.Context, id, orgID, branchID uuid.UUID) bool
}

// BreakerStats exposes transport circuit state, implemented by
// circuitbreaker.CircuitBreaker.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// RunResponse is returned from trigger and retry endpoints.
type RunResponse struct {
	Run    *db.JobRun   `json:"run"`
	Result *jobs.Result `json:"result,omitempty"`
}

// TenantScopeRequest identifies the tenant a retry applies to.
type TenantScopeRequest struct {
	OrgID    string `json:"org_id" validate:"required,uuid4"`
	BranchID string `json:"branch_id" validate:"required,uuid4"`
}

// Handler holds dependencies for the admin API.
type Handler struct {
	logger   *zap.Logger
	runner   JobRunner
	store    Store
	retrier  NotificationRetrier
	breaker  BreakerStats // nil when the provider is not wrapped
	validate *validator.Validate
}

func NewHandler(logger *zap.Logger, runner JobRunner, store Store, retrier NotificationRetrier, breaker BreakerStats) *Handler {
	return &Handler{
		logger:   logger,
		runner:   runner,
		store:    store,
		retrier:  retrier,
		breaker:  breaker,
		validate: validator.New(),
	}
}

// Routes mounts the handler under /v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/jobs/{name}/trigger", h.TriggerJob)
	r.Get("/jobs/runs", h.ListJobRuns)
	r.Post("/jobs/runs/{id}/retry", h.RetryJobRun)
	r.Get("/notifications", h.ListNotifications)
	r.Post("/notifications/{id}/retry", h.RetryNotification)
	r.Get("/transport/stats", h.TransportStats)
}

// TriggerJob handles POST /v1/jobs/{name}/trigger.
func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	run, result, err := h.runner.Trigger(r.Context(), name)
	if err != nil {
		h.writeRunError(w, name, err)
		return
	}

	h.logger.Info("job triggered via api",
		zap.String("job", name),
		zap.String("run_id", run.ID.String()),
		zap.String("status", run.Status),
	)
	h.writeJSON(w, http.StatusOK, RunResponse{Run: run, Result: result})
}

// ListJobRuns handles GET /v1/jobs/runs?job=xxx&limit=20&offset=0.
func (h *Handler) ListJobRuns(w http.ResponseWriter, r *http.Request) {
	jobName := r.URL.Query().Get("job")
	limit, offset := pagination(r)

	runs, err := h.store.ListJobRuns(r.Context(), jobName, limit, offset)
	if err != nil {
		h.logger.Error("failed to list job runs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list job runs", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   runs,
		"count":  len(runs),
		"limit":  limit,
		"offset": offset,
	})
}

// RetryJobRun handles POST /v1/jobs/runs/{id}/retry.
func (h *Handler) RetryJobRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid run ID", "ID must be a valid UUID")
		return
	}

	run, result, err := h.runner.RetryRun(r.Context(), runID)
	if err != nil {
		h.writeRunError(w, runID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusOK, RunResponse{Run: run, Result: result})
}

// ListNotifications handles GET /v1/notifications?org_id=&branch_id=&status=&limit=&offset=.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	orgID, err := uuid.Parse(r.URL.Query().Get("org_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid org_id", "org_id must be a valid UUID")
		return
	}
	branchID, err := uuid.Parse(r.URL.Query().Get("branch_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid branch_id", "branch_id must be a valid UUID")
		return
	}

	status := r.URL.Query().Get("status")
	switch status {
	case "", db.NotificationPending, db.NotificationSent, db.NotificationFailed:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be pending, sent, or failed")
		return
	}

	limit, offset := pagination(r)
	logs, err := h.store.ListNotificationLogs(r.Context(), orgID, branchID, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("org_id", orgID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   logs,
		"count":  len(logs),
		"limit":  limit,
		"offset": offset,
	})
}

// RetryNotification handles POST /v1/notifications/{id}/retry.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	var req TenantScopeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid fields", "org_id and branch_id are required UUIDs")
		return
	}
	orgID, _ := uuid.Parse(req.OrgID)
	branchID, _ := uuid.Parse(req.BranchID)

	if !h.retrier.RetryNotification(r.Context(), notifID, orgID, branchID) {
		h.writeError(w, http.StatusConflict, "retry_failed", "Notification could not be retried",
			"The notification does not exist in this tenant, is not in a failed state, or the send failed again")
		return
	}

	h.logger.Info("notification retried via api",
		zap.String("notification_id", notifID.String()),
		zap.String("org_id", req.OrgID),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{"id": notifID.String(), "status": db.NotificationSent})
}

// TransportStats handles GET /v1/transport/stats.
func (h *Handler) TransportStats(w http.ResponseWriter, r *http.Request) {
	if h.breaker == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"breaker": nil})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"breaker": h.breaker.Stats()})
}

func (h *Handler) writeRunError(w http.ResponseWriter, subject string, err error) {
	switch {
	case errors.Is(err, jobs.ErrUnknownJob), errors.Is(err, jobs.ErrRunNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Job not found", err.Error())
	case errors.Is(err, jobs.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, "already_running", "Job already running",
			"A run for this job is still in progress")
	default:
		h.logger.Error("job run failed", zap.Error(err), zap.String("job", subject))
		h.writeError(w, http.StatusInternalServerError, "job_failed", "Job run failed", err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit, offset = 20, 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
