// Package sqlite implements storage.Store on an embedded SQLite database.
//
// Each job is one row holding the JSON record plus the columns the store
// queries on (state, created_at). A Put is a single upsert statement, so
// readers see either the old row or the new one.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/batchkeeper/internal/storage"
	"github.com/ChuLiYu/batchkeeper/pkg/types"

	_ "modernc.org/sqlite"
)

var _ storage.Store = (*Store)(nil)

// Store is a SQLite-backed job store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes serialized and lets ":memory:" databases
	// survive across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id          TEXT PRIMARY KEY,
			state       TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			record      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state      ON jobs(state);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	`)
	return err
}

func (s *Store) Put(ctx context.Context, job *types.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, state, created_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state      = excluded.state,
			updated_at = excluded.updated_at,
			record     = excluded.record
	`,
		string(job.ID),
		string(job.State),
		job.CreatedAt.UnixNano(),
		time.Now().UnixNano(),
		string(record),
	)
	if err != nil {
		return storage.Unavailable("put "+string(job.ID), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, storage.Unavailable("get "+string(id), err)
	}
	return decode(record)
}

func (s *Store) ListByState(ctx context.Context, states ...types.JobState) ([]*types.Job, error) {
	query := `SELECT record FROM jobs`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable("list", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, storage.Unavailable("list scan", err)
		}
		job, err := decode(record)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable("list", err)
	}
	return jobs, nil
}

func (s *Store) Delete(ctx context.Context, id types.JobID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id))
	if err != nil {
		return storage.Unavailable("delete "+string(id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Unavailable("delete "+string(id), err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decode(record string) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &job, nil
}
