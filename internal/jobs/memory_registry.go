package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry keeps jobs in process memory. Every transition publishes a
// new immutable snapshot, so readers never see a partially applied mutation
// and never wait on a worker. Snapshots share the entry's error log: each one
// holds a length-capped prefix of it, and only the writer appends.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	writeMu sync.Mutex
	log     []string // guarded by writeMu
	current atomic.Pointer[Job]
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries: make(map[string]*memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var _ Registry = (*MemoryRegistry)(nil)

func (r *MemoryRegistry) Create() (string, error) {
	job := &Job{
		State:     StatePending,
		StartedAt: r.now(),
		Errors:    []string{},
	}
	e := &memoryEntry{}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		id := uuid.NewString()
		if _, taken := r.entries[id]; taken {
			continue
		}
		job.ID = id
		e.current.Store(job)
		r.entries[id] = e
		return id, nil
	}
}

func (r *MemoryRegistry) lookup(id string) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *MemoryRegistry) Get(id string) (Job, error) {
	e, ok := r.lookup(id)
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.current.Load().Clone(), nil
}

func (r *MemoryRegistry) Transition(id string, m Mutation) error {
	e, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	next, err := applyMutation(*e.current.Load(), m)
	if err != nil {
		return err
	}
	e.log = append(e.log, next.Errors...)
	next.Errors = e.log[:len(e.log):len(e.log)]
	e.current.Store(&next)
	return nil
}

func (r *MemoryRegistry) Prune(cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.entries {
		j := e.current.Load()
		if j.State.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of tracked jobs.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *MemoryRegistry) Close() error { return nil }
