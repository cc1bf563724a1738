package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fluency/internal/analysis"
	"github.com/MrWong99/fluency/internal/task"
)

var _ analysis.Archiver = (*Store)(nil)

// ErrNotFound is returned by [Store.Get] for task IDs that were never archived.
var ErrNotFound = errors.New("postgres store: analysis not found")

// Store is the PostgreSQL-backed archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Archive implements [analysis.Archiver]. Archiving the same task twice
// keeps the first record.
func (s *Store) Archive(ctx context.Context, rec analysis.Record) error {
	const q = `
		INSERT INTO analyses
		    (task_id, status, language, grade_level, service, words_per_minute,
		     fluency_level, result, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO NOTHING`

	var (
		service, level string
		wpm            float64
		result         []byte
	)
	if rec.Result != nil {
		service = rec.Result.TranscriptionService
		wpm = rec.Result.WordsPerMinute
		level = rec.Result.FluencyAssessment.Level
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("postgres store: encode result: %w", err)
		}
		result = b
	}

	_, err := s.pool.Exec(ctx, q,
		rec.TaskID,
		rec.Status.String(),
		rec.Language,
		rec.GradeLevel,
		service,
		wpm,
		level,
		result,
		rec.Error,
		rec.CreatedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: archive %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get returns the archived record for taskID.
func (s *Store) Get(ctx context.Context, taskID string) (analysis.Record, error) {
	const q = `
		SELECT task_id, status, language, grade_level, result, error, created_at, finished_at
		FROM   analyses
		WHERE  task_id = $1`

	var (
		rec    analysis.Record
		status string
		result []byte
	)
	err := s.pool.QueryRow(ctx, q, taskID).Scan(
		&rec.TaskID,
		&status,
		&rec.Language,
		&rec.GradeLevel,
		&result,
		&rec.Error,
		&rec.CreatedAt,
		&rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return analysis.Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return analysis.Record{}, fmt.Errorf("postgres store: get %s: %w", taskID, err)
	}

	rec.Status = parseStatus(status)
	if len(result) > 0 {
		var r analysis.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return analysis.Record{}, fmt.Errorf("postgres store: decode result: %w", err)
		}
		rec.Result = &r
	}
	return rec, nil
}

// Ping checks that the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

func parseStatus(s string) task.Status {
	for _, st := range []task.Status{task.Complete, task.Failed, task.Processing} {
		if st.String() == s {
			return st
		}
	}
	return task.Queued
}
