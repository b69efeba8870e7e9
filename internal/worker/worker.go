// Package worker drains the persistence queue: accepted batches are stored in
// PostgreSQL and optionally archived to S3.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fanlume/telemetry/internal/collector"
	"github.com/fanlume/telemetry/pkg/queue"
)

// Store persists decoded batches.
type Store interface {
	InsertBatch(ctx context.Context, b collector.Batch, userID string, receivedAt time.Time) error
}

// JobQueue supplies batch jobs and re-enqueues failures.
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archiver stores the raw batch JSON. Archival is best-effort; its failure
// never fails the job.
type Archiver interface {
	ArchiveBatch(ctx context.Context, receivedAt time.Time, batchID string, raw []byte) (string, error)
}

// Notifier pushes worker outcomes to the dashboard live feed.
type Notifier interface {
	Broadcast(event string, payload interface{})
}

// BatchProcessor processes batch persistence jobs.
type BatchProcessor struct {
	store    Store
	queue    JobQueue
	archiver Archiver
	notifier Notifier
	logger   *zap.Logger
}

// NewBatchProcessor creates a batch persistence processor. archiver and
// notifier may be nil.
func NewBatchProcessor(store Store, q JobQueue, archiver Archiver, notifier Notifier, logger *zap.Logger) *BatchProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchProcessor{store: store, queue: q, archiver: archiver, notifier: notifier, logger: logger}
}

// batchPersistedNotice is the live-feed payload for a stored batch.
type batchPersistedNotice struct {
	BatchID   string `json:"batchId"`
	SessionID string `json:"sessionId"`
	Events    int    `json:"events"`
}

// Process executes one batch persistence job.
func (p *BatchProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeBatch {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.BatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	var batch collector.Batch
	if err := json.Unmarshal(payload.Raw, &batch); err != nil {
		return fmt.Errorf("unmarshal batch: %w", err)
	}

	if err := p.store.InsertBatch(ctx, batch, payload.UserID, payload.ReceivedAt); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	if p.archiver != nil {
		if _, err := p.archiver.ArchiveBatch(ctx, payload.ReceivedAt, batch.ID, payload.Raw); err != nil {
			p.logger.Warn("batch archive failed", zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}

	if p.notifier != nil {
		p.notifier.Broadcast("batch_persisted", batchPersistedNotice{
			BatchID:   batch.ID,
			SessionID: batch.SessionMetrics.SessionID,
			Events:    len(batch.Events),
		})
	}

	p.logger.Info("batch persisted",
		zap.String("batch_id", batch.ID),
		zap.String("session_id", batch.SessionMetrics.SessionID),
		zap.Int("events", len(batch.Events)))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *BatchProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("batch worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
