// Package store keeps an append-only Postgres audit trail of pipeline stage
// events. Task state itself lives in the in-memory registry.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// AuditEvent is one row of the audit trail.
type AuditEvent struct {
	TaskID string    `json:"task_id"`
	Event  string    `json:"event"`
	Detail *string   `json:"detail"`
	At     time.Time `json:"ts"`
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// TaskEvents returns the audit trail of one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, event, NULLIF(detail, ''), ts
		FROM audit_logs WHERE task_id = $1 ORDER BY ts, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var detail pgtype.Text
		if err := rows.Scan(&ev.TaskID, &ev.Event, &detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Detail = textPtr(detail)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return events, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
