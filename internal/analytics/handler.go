// Package analytics serves the read side: persisted session roll-ups for
// dashboards.
package analytics

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fanlume/telemetry/internal/batchstore"
	"github.com/fanlume/telemetry/internal/collector"
	"github.com/fanlume/telemetry/pkg/response"
)

// Handler handles GET /api/analytics/sessions/:id.
type Handler struct {
	repo   *batchstore.Repository
	logger *zap.Logger
}

// NewHandler creates an analytics read handler.
func NewHandler(repo *batchstore.Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// SessionResponse is the JSON shape for one session's stored analytics.
type SessionResponse struct {
	SessionID    string                      `json:"sessionId"`
	Batches      int                         `json:"batches"`
	Events       int64                       `json:"events"`
	EventTypes   []batchstore.EventTypeCount `json:"eventTypes,omitempty"`
	Revenue      *collector.RevenueTotals    `json:"revenue,omitempty"`
	Reconnects   int                         `json:"reconnects"`
	Fallbacks    int                         `json:"fallbacks"`
	Interactions int                         `json:"interactions"`
}

// GetSession handles GET /api/analytics/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "session id is required")
		return
	}
	ctx := c.Request.Context()

	agg, err := h.repo.GetSessionAggregates(ctx, sessionID)
	if err != nil {
		h.logger.Error("session aggregates failed", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to load session aggregates")
		return
	}
	if agg.Batches == 0 {
		response.NotFound(c, "session not found")
		return
	}

	counts, err := h.repo.CountByEventType(ctx, sessionID)
	if err != nil {
		h.logger.Error("event type counts failed", zap.String("session_id", sessionID), zap.Error(err))
		response.Internal(c, "failed to load event counts")
		return
	}

	out := SessionResponse{
		SessionID:  sessionID,
		Batches:    agg.Batches,
		Events:     agg.Events,
		EventTypes: counts,
	}

	// Metrics snapshot is best-effort; the counts alone are still useful.
	if snap, err := h.repo.LatestSessionMetrics(ctx, sessionID); err == nil && snap != nil {
		out.Revenue = &snap.Revenue
		out.Reconnects = snap.Technical.Reconnects
		out.Fallbacks = snap.Technical.Fallbacks
		out.Interactions = snap.Interactions
	}

	response.OK(c, out)
}
