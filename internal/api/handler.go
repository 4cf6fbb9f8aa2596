// Package api exposes the campaign lifecycle and tracking endpoints
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/campaign"
	"github.com/uniconnect/dispatch/internal/db"
	"github.com/uniconnect/dispatch/internal/metrics"
	"github.com/uniconnect/dispatch/internal/redis"
	"github.com/uniconnect/dispatch/internal/tracking"
)

// CampaignService is the lifecycle surface the handler exposes.
type CampaignService interface {
	Create(ctx context.Context, params campaign.CreateParams) (*db.Campaign, error)
	Get(ctx context.Context, id uuid.UUID) (*campaign.Detail, error)
	Enqueue(ctx context.Context, id uuid.UUID, scheduledAt *time.Time) (*db.Campaign, error)
	Stop(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	Resume(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	RetryFailed(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	Delete(ctx context.Context, id uuid.UUID) error
	QueueStats(ctx context.Context) (*redis.QueueStats, error)
}

// TrackingService records open and ack signals.
type TrackingService interface {
	RecordOpen(ctx context.Context, token string)
	RecordAck(ctx context.Context, token string) (*tracking.AckResult, error)
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// Handler holds the HTTP endpoints.
type Handler struct {
	campaigns   CampaignService
	tracking    TrackingService
	dbHealth    HealthFunc
	redisHealth HealthFunc
	logger      *zap.Logger
}

// NewHandler creates an API handler.
func NewHandler(campaigns CampaignService, trackingSvc TrackingService, dbHealth, redisHealth HealthFunc, logger *zap.Logger) *Handler {
	return &Handler{
		campaigns:   campaigns,
		tracking:    trackingSvc,
		dbHealth:    dbHealth,
		redisHealth: redisHealth,
		logger:      logger,
	}
}

// Router builds the chi router. Tracking endpoints are outside the
// rate-limited /v1 tree; a popular campaign generates far more pixel
// fetches than API calls.
func (h *Handler) Router(limiter *redis.RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/track/open/{token}", h.trackOpen)
	r.Post("/track/ack/{token}", h.trackAck)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, h.logger, TenantKeyFunc))

		r.Post("/campaigns", h.createCampaign)
		r.Get("/campaigns/{id}", h.getCampaign)
		r.Delete("/campaigns/{id}", h.deleteCampaign)
		r.Post("/campaigns/{id}/enqueue", h.enqueueCampaign)
		r.Post("/campaigns/{id}/stop", h.stopCampaign)
		r.Post("/campaigns/{id}/resume", h.resumeCampaign)
		r.Post("/campaigns/{id}/retry-failed", h.retryFailed)
		r.Get("/queue/stats", h.queueStats)
	})

	return r
}

// ErrorResponse follows the problem+json shape.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeServiceError maps domain errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, campaign.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Conflict", err.Error())
	case errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrNoFailedRecipients):
		h.writeError(w, http.StatusUnprocessableEntity, "unprocessable", "Unprocessable Entity", err.Error())
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error", "")
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

type createCampaignRequest struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	Name       string    `json:"name"`
	TemplateID uuid.UUID `json:"template_id"`
	MailboxID  uuid.UUID `json:"mailbox_id"`
	EmailKey   string    `json:"email_key,omitempty"`
}

func (h *Handler) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "invalid JSON body")
		return
	}
	if req.TenantID == uuid.Nil || req.Name == "" || req.TemplateID == uuid.Nil || req.MailboxID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "missing_fields", "Bad Request",
			"tenant_id, name, template_id, and mailbox_id are required")
		return
	}

	c, err := h.campaigns.Create(r.Context(), campaign.CreateParams{
		TenantID:   req.TenantID,
		Name:       req.Name,
		TemplateID: req.TemplateID,
		MailboxID:  req.MailboxID,
		EmailKey:   req.EmailKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) getCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Bad Request", "invalid campaign id")
		return
	}

	detail, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Bad Request", "invalid campaign id")
		return
	}

	if err := h.campaigns.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type enqueueCampaignRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (h *Handler) enqueueCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Bad Request", "invalid campaign id")
		return
	}

	var req enqueueCampaignRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "invalid JSON body")
			return
		}
	}

	c, err := h.campaigns.Enqueue(r.Context(), id, req.ScheduledAt)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	metrics.RecordCampaignEnqueued(c.TenantID.String())
	h.writeJSON(w, http.StatusAccepted, c)
}

func (h *Handler) stopCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.campaigns.Stop)
}

func (h *Handler) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.campaigns.Resume)
}

func (h *Handler) retryFailed(w http.ResponseWriter, r *http.Request) {
	h.lifecycleAction(w, r, h.campaigns.RetryFailed)
}

func (h *Handler) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, uuid.UUID) (*db.Campaign, error)) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "Bad Request", "invalid campaign id")
		return
	}

	c, err := action(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.campaigns.QueueStats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	metrics.SetQueueDepth(stats.Waiting, stats.Active)
	h.writeJSON(w, http.StatusOK, stats)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK

	for name, check := range map[string]HealthFunc{
		"database": h.dbHealth,
		"redis":    h.redisHealth,
	} {
		if check == nil {
			continue
		}
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks[name] = "ok"
		}
	}

	h.writeJSON(w, status, resp)
}
