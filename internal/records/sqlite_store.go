package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jo-hoe/bulkingest/internal/common"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY when several workers insert at once.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		age INTEGER CHECK (age IS NULL OR age >= 0),
		email TEXT UNIQUE,
		password TEXT,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		created_by TEXT,
		updated_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec NewRecord) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	now := time.Now().UTC()
	ts := now.Format(sqliteTimeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, age, email, is_deleted, created_by, updated_by, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		rec.Name, rec.Age, rec.Email, rec.Actor, rec.Actor, ts, ts,
	)
	if err != nil {
		return Record{}, classifySQLite(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Record{}, fmt.Errorf("last insert id: %w", err)
	}
	return Record{
		ID:        id,
		Name:      rec.Name,
		Age:       rec.Age,
		Email:     rec.Email,
		CreatedBy: rec.Actor,
		UpdatedBy: rec.Actor,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, name, age, email, is_deleted, created_by, updated_by, created_at, updated_at
		FROM users WHERE id = ?`, id)

	var (
		rec              Record
		age              sql.NullInt64
		email, by, upd   sql.NullString
		created, updated string
	)
	if err := row.Scan(&rec.ID, &rec.Name, &age, &email, &rec.IsDeleted, &by, &upd, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	if age.Valid {
		v := int(age.Int64)
		rec.Age = &v
	}
	if email.Valid {
		v := email.String
		rec.Email = &v
	}
	rec.CreatedBy = by.String
	rec.UpdatedBy = upd.String
	if t, err := time.Parse(sqliteTimeLayout, created); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(sqliteTimeLayout, updated); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// classifySQLite maps constraint failures (primary code SQLITE_CONSTRAINT) to
// ErrConstraintViolation and leaves everything else wrapped as is.
func classifySQLite(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
	}
	return fmt.Errorf("insert record: %w", err)
}
