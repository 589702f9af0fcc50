package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/genrelay/internal/core/domain"
)

// AttemptRepo stores the attempt history of every job.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type attemptRow struct {
	JobID     string    `db:"job_id"`
	Backend   string    `db:"backend"`
	Attempt   int       `db:"attempt"`
	StartedAt time.Time `db:"started_at"`
	Outcome   string    `db:"outcome"`
	ErrorKind string    `db:"error_kind"`
	Message   string    `db:"message"`
	LatencyMS int64     `db:"latency_ms"`
}

func (r attemptRow) toDomain() domain.AttemptRecord {
	rec := domain.AttemptRecord{
		JobID:     r.JobID,
		Backend:   domain.BackendID(r.Backend),
		Attempt:   r.Attempt,
		StartedAt: r.StartedAt,
		Outcome:   domain.Outcome(r.Outcome),
		Message:   r.Message,
		Latency:   time.Duration(r.LatencyMS) * time.Millisecond,
	}
	// unknown kinds from newer writers read as none
	_ = rec.Kind.UnmarshalText([]byte(r.ErrorKind))
	return rec
}

// RecordAttempt inserts one attempt record.
func (r *AttemptRepo) RecordAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	query := `
		INSERT INTO generation_attempts (job_id, backend, attempt, started_at, outcome, error_kind, message, latency_ms)
		VALUES (:job_id, :backend, :attempt, :started_at, :outcome, :error_kind, :message, :latency_ms)
	`
	row := attemptRow{
		JobID:     rec.JobID,
		Backend:   string(rec.Backend),
		Attempt:   rec.Attempt,
		StartedAt: rec.StartedAt.UTC(),
		Outcome:   string(rec.Outcome),
		ErrorKind: rec.Kind.String(),
		Message:   rec.Message,
		LatencyMS: rec.Latency.Milliseconds(),
	}
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ListByJob returns the attempts of one job in start order.
func (r *AttemptRepo) ListByJob(ctx context.Context, jobID string) ([]domain.AttemptRecord, error) {
	query := `
		SELECT job_id, backend, attempt, started_at, outcome, error_kind, message, latency_ms
		FROM generation_attempts
		WHERE job_id = $1
		ORDER BY started_at ASC, id ASC
	`
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return toDomain(rows), nil
}

// Recent returns the newest limit attempts across all jobs, newest first.
func (r *AttemptRepo) Recent(ctx context.Context, limit int) ([]domain.AttemptRecord, error) {
	query := `
		SELECT job_id, backend, attempt, started_at, outcome, error_kind, message, latency_ms
		FROM generation_attempts
		ORDER BY started_at DESC, id DESC
		LIMIT $1
	`
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent attempts: %w", err)
	}
	return toDomain(rows), nil
}

// DeleteOlderThan removes attempts that started before cutoff.
func (r *AttemptRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM generation_attempts WHERE started_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune attempts: %w", err)
	}
	return n, nil
}

func toDomain(rows []attemptRow) []domain.AttemptRecord {
	out := make([]domain.AttemptRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out
}
