// Package records is the persistence contract for user records created by
// bulk ingestion, plus SQLite and PostgreSQL implementations.
package records

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConstraintViolation wraps driver errors for unique/not-null/check violations,
	// typically an email that is already in use.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrStoreClosed is returned after Close. Callers treat it as fatal, not per-row.
	ErrStoreClosed    = errors.New("record store closed")
	ErrRecordNotFound = errors.New("record not found")
)

// NewRecord holds the validated fields of one row plus the acting identity.
type NewRecord struct {
	Name  string
	Age   *int
	Email *string
	Actor string
}

// Record is a persisted user.
type Record struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Age       *int      `json:"age"`
	Email     *string   `json:"email"`
	IsDeleted bool      `json:"isDeleted"`
	CreatedBy string    `json:"createdBy"`
	UpdatedBy string    `json:"updatedBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store inserts and reads records. Implementations must make the uniqueness
// check on email atomic with the insert.
type Store interface {
	Insert(ctx context.Context, rec NewRecord) (Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	Close() error
}
