package ingest

import (
	"context"
	"errors"

	"github.com/jo-hoe/bulkingest/internal/records"
)

// Outcome classifies the result of persisting one row.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeConstraint
	OutcomeFailed
	// OutcomeFatal means the store can no longer accept writes; the batch stops.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeConstraint:
		return "constraint_violation"
	case OutcomeFailed:
		return "failed"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Writer persists validated rows through a records.Store.
type Writer struct {
	Store records.Store
}

func NewWriter(store records.Store) *Writer {
	return &Writer{Store: store}
}

// Write inserts row as a new, not-deleted record owned by actor. The error is
// nil only for OutcomeAccepted.
func (w *Writer) Write(ctx context.Context, row ValidRow, actor string) (Outcome, error) {
	_, err := w.Store.Insert(ctx, records.NewRecord{
		Name:  row.Name,
		Age:   row.Age,
		Email: row.Email,
		Actor: actor,
	})
	return classify(err), err
}

func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAccepted
	case errors.Is(err, records.ErrConstraintViolation):
		return OutcomeConstraint
	case errors.Is(err, records.ErrStoreClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeFatal
	default:
		return OutcomeFailed
	}
}
