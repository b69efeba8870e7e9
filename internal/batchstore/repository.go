// Package batchstore persists accepted analytics batches.
package batchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fanlume/telemetry/internal/collector"
)

// Repository handles analytics_batches and analytics_events.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a batch store repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertBatch stores one batch and its events in a single transaction.
func (r *Repository) InsertBatch(ctx context.Context, b collector.Batch, userID string, receivedAt time.Time) error {
	metrics, err := json.Marshal(b.SessionMetrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO analytics_batches (batch_id, session_id, user_id, event_count, metrics, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.SessionMetrics.SessionID, userID, len(b.Events), metrics, receivedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	rows := &pgx.Batch{}
	for _, e := range b.Events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		rows.Queue(
			`INSERT INTO analytics_events (batch_id, event_type, session_id, user_id, creator_id, ts, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, e.Type, e.SessionID, e.UserID, e.CreatorID, e.Timestamp, data)
	}
	if rows.Len() > 0 {
		if err := tx.SendBatch(ctx, rows).Close(); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SessionAggregates holds per-session persistence totals.
type SessionAggregates struct {
	Batches int
	Events  int64
}

// GetSessionAggregates returns how many batches and events were stored for a session.
func (r *Repository) GetSessionAggregates(ctx context.Context, sessionID string) (*SessionAggregates, error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(event_count), 0) FROM analytics_batches WHERE session_id = $1`
	var agg SessionAggregates
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&agg.Batches, &agg.Events); err != nil {
		return nil, err
	}
	return &agg, nil
}

// LatestSessionMetrics returns the metrics snapshot carried by the most recent
// stored batch of a session, or nil when the session has no batches.
func (r *Repository) LatestSessionMetrics(ctx context.Context, sessionID string) (*collector.MetricsSnapshot, error) {
	const q = `SELECT metrics FROM analytics_batches WHERE session_id = $1 ORDER BY received_at DESC LIMIT 1`
	var raw []byte
	if err := r.pool.QueryRow(ctx, q, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap collector.MetricsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return &snap, nil
}

// EventTypeCount is one row of the per-type breakdown.
type EventTypeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// CountByEventType returns event counts per type for a session, most frequent first.
func (r *Repository) CountByEventType(ctx context.Context, sessionID string) ([]EventTypeCount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM analytics_events WHERE session_id = $1
		 GROUP BY event_type ORDER BY COUNT(*) DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []EventTypeCount
	for rows.Next() {
		var row EventTypeCount
		if err := rows.Scan(&row.EventType, &row.Count); err != nil {
			return nil, err
		}
		list = append(list, row)
	}
	return list, rows.Err()
}
