package records

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL SQLSTATE codes classified as constraint violations.
const (
	pgUniqueViolation  = "23505"
	pgNotNullViolation = "23502"
	pgCheckViolation   = "23514"
)

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type PostgresStore struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, pings, and ensures the users table exists.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migratePostgres(connectCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		age INTEGER CHECK (age IS NULL OR age >= 0),
		email TEXT UNIQUE,
		password TEXT,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		created_by TEXT,
		updated_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec NewRecord) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	out := Record{
		Name:      rec.Name,
		Age:       rec.Age,
		Email:     rec.Email,
		CreatedBy: rec.Actor,
		UpdatedBy: rec.Actor,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (name, age, email, is_deleted, created_by, updated_by)
		 VALUES ($1, $2, $3, FALSE, $4, $4)
		 RETURNING id, created_at, updated_at`,
		rec.Name, rec.Age, rec.Email, rec.Actor,
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return Record{}, classifyPostgres(err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrStoreClosed
	}
	var (
		rec     Record
		by, upd *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, age, email, is_deleted, created_by, updated_by, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Name, &rec.Age, &rec.Email, &rec.IsDeleted, &by, &upd, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	if by != nil {
		rec.CreatedBy = *by
	}
	if upd != nil {
		rec.UpdatedBy = *upd
	}
	return rec, nil
}

func (s *PostgresStore) Close() error {
	if !s.closed.Swap(true) {
		s.pool.Close()
	}
	return nil
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgNotNullViolation, pgCheckViolation:
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
	}
	return fmt.Errorf("insert record: %w", err)
}
