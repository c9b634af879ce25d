package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jo-hoe/bulkingest/internal/common"
)

// SQLiteRegistry persists job state so it survives restarts of the status
// API. Jobs that were in flight when the process stopped stay in their last
// state; nothing resumes them.
type SQLiteRegistry struct {
	db *sql.DB
}

var _ Registry = (*SQLiteRegistry)(nil)

func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	// WAL lets status readers proceed while a worker holds the write lock;
	// immediate transactions take that lock up front and wait on busy_timeout.
	// synchronous(NORMAL) drops the fsync on every per-row commit.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRegistry{db: db}, nil
}

// The error log lives in its own table so a transition inserts only the
// messages it appends. error_log_len is the number of committed log entries.
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS bulk_jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		total_rows INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		error_log_len INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_bulk_jobs_finished_at ON bulk_jobs(finished_at);
	CREATE TABLE IF NOT EXISTS bulk_job_errors (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		message TEXT NOT NULL,
		PRIMARY KEY (job_id, seq)
	) WITHOUT ROWID;
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteRegistry) Create() (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO bulk_jobs (id, state, started_at) VALUES (?, ?, ?)`,
		id, string(StatePending), time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads the job row without its error log and returns the log length.
func scanJob(row rowScanner) (Job, int, error) {
	var (
		job            Job
		state, started string
		finished       sql.NullString
		logLen         int
	)
	if err := row.Scan(&job.ID, &state, &started, &finished,
		&job.TotalRows, &job.SuccessCount, &job.ErrorCount, &logLen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, 0, ErrNotFound
		}
		return Job{}, 0, fmt.Errorf("scan job: %w", err)
	}
	job.State = State(state)
	if t, err := time.Parse(timeLayout, started); err == nil {
		job.StartedAt = t
	}
	if finished.Valid {
		if t, err := time.Parse(timeLayout, finished.String); err == nil {
			job.FinishedAt = &t
		}
	}
	return job, logLen, nil
}

const selectJob = `SELECT id, state, started_at, finished_at, total_rows, success_count, error_count, error_log_len
	FROM bulk_jobs WHERE id = ?`

func (s *SQLiteRegistry) Get(id string) (Job, error) {
	job, logLen, err := scanJob(s.db.QueryRow(selectJob, id))
	if err != nil {
		return Job{}, err
	}
	job.Errors = make([]string, 0, logLen)
	if logLen == 0 {
		return job, nil
	}
	// Entries past logLen were committed after the job row was read.
	rows, err := s.db.Query(
		`SELECT message FROM bulk_job_errors WHERE job_id = ? AND seq < ? ORDER BY seq`, id, logLen)
	if err != nil {
		return Job{}, fmt.Errorf("query errors of job %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return Job{}, fmt.Errorf("scan errors of job %s: %w", id, err)
		}
		job.Errors = append(job.Errors, msg)
	}
	if err := rows.Err(); err != nil {
		return Job{}, fmt.Errorf("read errors of job %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteRegistry) Transition(id string, m Mutation) error {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, logLen, err := scanJob(tx.QueryRow(selectJob, id))
	if err != nil {
		return err
	}
	next, err := applyMutation(prev, m)
	if err != nil {
		return err
	}

	for i, msg := range next.Errors {
		if _, err := tx.Exec(`INSERT INTO bulk_job_errors (job_id, seq, message) VALUES (?, ?, ?)`,
			id, logLen+i, msg); err != nil {
			return fmt.Errorf("append error: %w", err)
		}
	}
	var finished *string
	if next.FinishedAt != nil {
		ts := next.FinishedAt.UTC().Format(timeLayout)
		finished = &ts
	}
	_, err = tx.Exec(`UPDATE bulk_jobs
		SET state = ?, finished_at = ?, total_rows = ?, success_count = ?, error_count = ?, error_log_len = ?
		WHERE id = ?`,
		string(next.State), finished, next.TotalRows, next.SuccessCount, next.ErrorCount, logLen+len(next.Errors), id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

const prunable = `state IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`

func (s *SQLiteRegistry) Prune(cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{string(StateCompleted), string(StateFailed), cutoff.UTC().Format(timeLayout)}
	if _, err := tx.Exec(`DELETE FROM bulk_job_errors
		WHERE job_id IN (SELECT id FROM bulk_jobs WHERE `+prunable+`)`, args...); err != nil {
		return 0, fmt.Errorf("prune job errors: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM bulk_jobs WHERE `+prunable, args...)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}
