// Package ingest accepts analytics batches at the HTTP edge and hands them to
// the persistence queue.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fanlume/telemetry/internal/collector"
	"github.com/fanlume/telemetry/internal/middleware"
	"github.com/fanlume/telemetry/pkg/queue"
	"github.com/fanlume/telemetry/pkg/response"
)

// Enqueuer hands an accepted batch to the persistence queue.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, payload queue.BatchPayload) error
}

// Broadcaster pushes a live notification to connected dashboards.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// Handler handles POST /api/analytics/events.
type Handler struct {
	queue  Enqueuer
	feed   Broadcaster
	logger *zap.Logger
}

// NewHandler creates an ingest handler. feed may be nil when no live feed is wired.
func NewHandler(q Enqueuer, feed Broadcaster, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{queue: q, feed: feed, logger: logger}
}

// batchReceivedNotice is the live-feed payload for an accepted batch.
type batchReceivedNotice struct {
	BatchID   string `json:"batchId"`
	SessionID string `json:"sessionId"`
	Events    int    `json:"events"`
}

// SubmitBatch accepts one batch. The raw body travels to the worker unchanged
// so persistence failures can be retried from the original submission.
func (h *Handler) SubmitBatch(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}

	var batch collector.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		response.BadRequest(c, "invalid batch payload")
		return
	}
	if batch.ID == "" {
		response.BadRequest(c, "batchId is required")
		return
	}
	if len(batch.Events) == 0 {
		response.BadRequest(c, "events must not be empty")
		return
	}

	userID := c.GetString(middleware.ContextUserID)
	payload := queue.BatchPayload{
		BatchID:    batch.ID,
		UserID:     userID,
		ReceivedAt: time.Now().UTC(),
		Raw:        raw,
	}
	if err := h.queue.EnqueueBatch(c.Request.Context(), payload); err != nil {
		h.logger.Error("enqueue batch failed", zap.String("batch_id", batch.ID), zap.Error(err))
		response.ServiceUnavailable(c, "failed to accept batch")
		return
	}

	if h.feed != nil {
		h.feed.Broadcast("batch_received", batchReceivedNotice{
			BatchID:   batch.ID,
			SessionID: batch.SessionMetrics.SessionID,
			Events:    len(batch.Events),
		})
	}

	h.logger.Debug("batch accepted",
		zap.String("batch_id", batch.ID),
		zap.String("session_id", batch.SessionMetrics.SessionID),
		zap.Int("events", len(batch.Events)))
	response.Accepted(c, gin.H{"batchId": batch.ID, "events": len(batch.Events)})
}
