// Package postgres archives finished reading-fluency analyses in PostgreSQL.
//
// The archive is write-mostly: the orchestrator stores every terminal task
// once, and nothing on the request path reads it back. In-flight tasks are
// never persisted.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	orch, _ := analysis.New(reg, norm, primary, scorer, analysis.WithArchiver(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    task_id          TEXT         PRIMARY KEY,
    status           TEXT         NOT NULL,
    language         TEXT         NOT NULL,
    grade_level      TEXT         NOT NULL,
    service          TEXT         NOT NULL DEFAULT '',
    words_per_minute DOUBLE PRECISION NOT NULL DEFAULT 0,
    fluency_level    TEXT         NOT NULL DEFAULT '',
    result           JSONB,
    error            TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL,
    finished_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analyses_finished_at
    ON analyses (finished_at);

CREATE INDEX IF NOT EXISTS idx_analyses_grade_level
    ON analyses (grade_level, fluency_level);
`

// Migrate creates the archive table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlAnalyses); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
