package jobs

import (
	"errors"
	"slices"
	"time"
)

// State represents the lifecycle state of a bulk ingestion job.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same non-terminal state is allowed so counters can be updated.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StatePending || next == StateRunning || next == StateFailed
	case StateRunning:
		return next == StateRunning || next == StateCompleted || next == StateFailed
	default:
		return false
	}
}

var (
	// ErrNotFound is returned for job ids the registry does not know.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a mutation would move a job backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Job describes one bulk ingestion run. Values handed out by a Registry are
// snapshots; mutating them has no effect on the stored job.
type Job struct {
	ID           string     `json:"jobId"`
	State        State      `json:"state"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt"`
	TotalRows    int        `json:"totalRows"`
	SuccessCount int        `json:"successCount"`
	ErrorCount   int        `json:"errorCount"`
	Errors       []string   `json:"errors"`
}

// Clone returns a deep copy; Errors never aliases the source slice.
func (j Job) Clone() Job {
	c := j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	c.Errors = slices.Clone(j.Errors)
	if c.Errors == nil {
		c.Errors = []string{}
	}
	return c
}

// Mutation updates a working copy of a job inside Registry.Transition. The
// copy's Errors starts empty: messages the mutation appends are added to the
// end of the job's log, and earlier entries can be neither read nor changed.
type Mutation func(job *Job)

// Registry is the single source of truth for job lifecycle state.
type Registry interface {
	// Create allocates a fresh id and stores a PENDING job started now.
	Create() (string, error)
	// Get returns a snapshot or ErrNotFound.
	Get(id string) (Job, error)
	// Transition applies m to the job. Changes that break the state machine
	// are rejected with ErrInvalidTransition and leave the job untouched.
	Transition(id string, m Mutation) error
	// Prune evicts terminal jobs finished before cutoff and returns how many were removed.
	Prune(cutoff time.Time) (int, error)
	Close() error
}

// applyMutation runs m on a working copy of prev and validates the result
// before a registry commits it. The returned job carries only the newly
// appended errors.
func applyMutation(prev Job, m Mutation) (Job, error) {
	if prev.State.Terminal() {
		return Job{}, ErrInvalidTransition
	}
	next := prev
	next.Errors = nil
	m(&next)
	if !prev.State.CanTransition(next.State) || next.ID != prev.ID {
		return Job{}, ErrInvalidTransition
	}
	if next.TotalRows < 0 || next.SuccessCount < 0 || next.ErrorCount < 0 {
		return Job{}, ErrInvalidTransition
	}
	return next, nil
}

// Convenience mutations used by the ingestion worker.

// MarkRunning flips a pending job to RUNNING.
func MarkRunning() Mutation {
	return func(j *Job) { j.State = StateRunning }
}

// RecordSuccess counts one persisted row.
func RecordSuccess() Mutation {
	return func(j *Job) {
		j.TotalRows++
		j.SuccessCount++
	}
}

// RecordRowError counts one rejected row and appends its message.
func RecordRowError(msg string) Mutation {
	return func(j *Job) {
		j.TotalRows++
		j.ErrorCount++
		j.Errors = append(j.Errors, msg)
	}
}

// Complete moves the job to COMPLETED at t.
func Complete(t time.Time) Mutation {
	return func(j *Job) {
		j.State = StateCompleted
		j.FinishedAt = &t
	}
}

// Fail moves the job to FAILED at t with one job-level error.
func Fail(msg string, t time.Time) Mutation {
	return func(j *Job) {
		j.State = StateFailed
		j.Errors = append(j.Errors, msg)
		j.FinishedAt = &t
	}
}
