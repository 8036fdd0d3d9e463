package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridrun-dev/gridrun/pkg/api"
)

// Store is a SQLite-backed run history. Jobs themselves keep no state; the
// store is an audit log written after each run completes.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Run is one invocation of the matrix runner.
type Run struct {
	ID         string
	Plan       string
	Executor   string
	Status     api.RunStatus
	StartedAt  time.Time
	FinishedAt time.Time
}

// JobRecord is the persisted form of one job's result.
type JobRecord struct {
	OS         string
	Runtime    string
	Status     api.RunStatus
	DurationMS int64
	Error      string
	Commands   []CommandRecord
}

// CommandRecord is one command's outcome within a job.
type CommandRecord struct {
	Seq        int
	Name       string
	Command    string
	ExitCode   int
	FailBuild  bool
	Skipped    bool
	DurationMS int64
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// RecordRun persists a run and its jobs in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run, jobs []JobRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, plan, executor, status, started_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Plan, run.Executor, string(run.Status), run.StartedAt, run.FinishedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, job := range jobs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (run_id, os, runtime, status, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?)`,
			run.ID, job.OS, job.Runtime, string(job.Status), job.DurationMS, job.Error,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		jobID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("job id: %w", err)
		}
		for _, cmd := range job.Commands {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO command_results (job_id, seq, name, command, exit_code, fail_build, skipped, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				jobID, cmd.Seq, cmd.Name, cmd.Command, cmd.ExitCode, cmd.FailBuild, cmd.Skipped, cmd.DurationMS,
			); err != nil {
				return fmt.Errorf("insert command result: %w", err)
			}
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan, executor, status, started_at, finished_at FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var status string
		if err := rows.Scan(&r.ID, &r.Plan, &r.Executor, &status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = api.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its job records.
func (s *Store) GetRun(ctx context.Context, id string) (Run, []JobRecord, error) {
	var run Run
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan, executor, status, started_at, finished_at FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Plan, &run.Executor, &status, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return Run{}, nil, fmt.Errorf("get run: %w", err)
	}
	run.Status = api.RunStatus(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, os, runtime, status, duration_ms, error FROM jobs WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return Run{}, nil, fmt.Errorf("get jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobRecord
	var jobIDs []int64
	for rows.Next() {
		var job JobRecord
		var jobID int64
		var jobStatus string
		if err := rows.Scan(&jobID, &job.OS, &job.Runtime, &jobStatus, &job.DurationMS, &job.Error); err != nil {
			return Run{}, nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = api.RunStatus(jobStatus)
		jobs = append(jobs, job)
		jobIDs = append(jobIDs, jobID)
	}
	if err := rows.Err(); err != nil {
		return Run{}, nil, err
	}

	for i, jobID := range jobIDs {
		cmds, err := s.commandResults(ctx, jobID)
		if err != nil {
			return Run{}, nil, err
		}
		jobs[i].Commands = cmds
	}

	return run, jobs, nil
}

func (s *Store) commandResults(ctx context.Context, jobID int64) ([]CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, name, command, exit_code, fail_build, skipped, duration_ms
		 FROM command_results WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get command results: %w", err)
	}
	defer rows.Close()

	var cmds []CommandRecord
	for rows.Next() {
		var c CommandRecord
		if err := rows.Scan(&c.Seq, &c.Name, &c.Command, &c.ExitCode, &c.FailBuild, &c.Skipped, &c.DurationMS); err != nil {
			return nil, fmt.Errorf("scan command result: %w", err)
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }
