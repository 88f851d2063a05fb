// Package audit is the durable merge-attempt trail: the outcome of every
// pipeline run (done, retry, or dlq; runs aborted on lease loss are not
// recorded) is written to Postgres for operator review, independent of
// and outliving the DQS's in-flight work items.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bemcculley/auto-merge/observability"
	"github.com/bemcculley/auto-merge/pipeline"
)

// Writer implements pipeline.AuditWriter against a Postgres table. Writes
// are best-effort: a failure is logged and counted, never propagated,
// since the audit trail is a side channel, not part of the merge decision.
type Writer struct {
	pool *pgxpool.Pool
}

// NewWriter opens a connection pool and creates the merge_attempts table
// if it does not exist yet.
func NewWriter(ctx context.Context, connString string) (*Writer, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Writer{pool: pool}, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS merge_attempts (
			id              BIGSERIAL PRIMARY KEY,
			installation_id BIGINT NOT NULL,
			owner           TEXT NOT NULL,
			repo            TEXT NOT NULL,
			pr_number       INT NOT NULL,
			outcome         TEXT NOT NULL,
			reason          TEXT NOT NULL,
			attempt         INT NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Close releases the connection pool.
func (w *Writer) Close() {
	w.pool.Close()
}

// RecordAttempt implements pipeline.AuditWriter. It never returns an error
// to the caller — failures are logged and counted via
// audit_write_failures_total so the pipeline state machine can't be
// blocked by an audit-trail outage.
func (w *Writer) RecordAttempt(ctx context.Context, rec pipeline.AttemptRecord) {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO merge_attempts (installation_id, owner, repo, pr_number, outcome, reason, attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.InstallationID, rec.Owner, rec.Repo, rec.PRNumber, rec.Outcome, rec.Reason, rec.Attempt)
	if err != nil {
		observability.AuditWriteFailuresTotal.Inc()
		log.Printf("audit: recording attempt for %s/%s#%d: %v", rec.Owner, rec.Repo, rec.PRNumber, err)
	}
}

// Record is a row read back for the operator-facing history view.
type Record struct {
	InstallationID int64
	Owner, Repo    string
	PRNumber       int
	Outcome        string
	Reason         string
	Attempt        int
	RecordedAt     time.Time
}

// RecentForPR returns the most recent attempts for a single PR, newest
// first, bounded by limit.
func (w *Writer) RecentForPR(ctx context.Context, installationID int64, owner, repo string, number, limit int) ([]Record, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT installation_id, owner, repo, pr_number, outcome, reason, attempt, recorded_at
		FROM merge_attempts
		WHERE installation_id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4
		ORDER BY recorded_at DESC
		LIMIT $5
	`, installationID, owner, repo, number, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.InstallationID, &rec.Owner, &rec.Repo, &rec.PRNumber, &rec.Outcome, &rec.Reason, &rec.Attempt, &rec.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
