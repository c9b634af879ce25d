package jobs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type registryFactory func(t *testing.T) Registry

func registries() map[string]registryFactory {
	return map[string]registryFactory{
		"memory": func(t *testing.T) Registry {
			return NewMemoryRegistry()
		},
		"sqlite": func(t *testing.T) Registry {
			reg, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "jobs.db"))
			if err != nil {
				t.Fatalf("NewSQLiteRegistry: %v", err)
			}
			t.Cleanup(func() { _ = reg.Close() })
			return reg
		},
	}
}

func forEachRegistry(t *testing.T, fn func(t *testing.T, reg Registry)) {
	for name, factory := range registries() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestRegistry_CreateGet(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		before := time.Now().UTC().Add(-time.Second)
		id, err := reg.Create()
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.ID != id || got.State != StatePending {
			t.Fatalf("unexpected job: %+v", got)
		}
		if got.StartedAt.Before(before) || got.FinishedAt != nil {
			t.Fatalf("timestamps wrong: started=%v finished=%v", got.StartedAt, got.FinishedAt)
		}
		if got.Errors == nil || len(got.Errors) != 0 {
			t.Fatalf("errors should be empty, non-nil: %#v", got.Errors)
		}

		other, err := reg.Create()
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if other == id {
			t.Fatalf("ids must be unique")
		}
	})
}

func TestRegistry_GetUnknownIsNotFound(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		if _, err := reg.Get("does-not-exist"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get unknown = %v, want ErrNotFound", err)
		}
		if err := reg.Transition("does-not-exist", MarkRunning()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Transition unknown = %v, want ErrNotFound", err)
		}
	})
}

func TestRegistry_LifecycleAndTerminalFreeze(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		id, _ := reg.Create()
		steps := []Mutation{
			MarkRunning(),
			RecordSuccess(),
			RecordRowError("Row 2: name is required"),
			RecordRowError("Row 3: invalid age"),
			Complete(time.Now().UTC()),
		}
		for i, m := range steps {
			if err := reg.Transition(id, m); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
		got, _ := reg.Get(id)
		if got.State != StateCompleted || got.FinishedAt == nil {
			t.Fatalf("not completed: %+v", got)
		}
		if got.TotalRows != 3 || got.SuccessCount != 1 || got.ErrorCount != 2 {
			t.Fatalf("counts wrong: %+v", got)
		}
		if got.TotalRows != got.SuccessCount+got.ErrorCount {
			t.Fatalf("total must equal success+error")
		}

		if err := reg.Transition(id, RecordSuccess()); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("mutating terminal job = %v, want ErrInvalidTransition", err)
		}
		if err := reg.Transition(id, Fail("late", time.Now())); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("failing terminal job = %v, want ErrInvalidTransition", err)
		}
		again, _ := reg.Get(id)
		if again.State != got.State || fmt.Sprint(again.Errors) != fmt.Sprint(got.Errors) {
			t.Fatalf("terminal job changed: %+v vs %+v", again, got)
		}
	})
}

func TestRegistry_RejectsBackwardsTransitions(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		id, _ := reg.Create()
		if err := reg.Transition(id, Complete(time.Now())); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("PENDING->COMPLETED = %v, want ErrInvalidTransition", err)
		}
		if err := reg.Transition(id, MarkRunning()); err != nil {
			t.Fatalf("PENDING->RUNNING: %v", err)
		}
		back := func(j *Job) { j.State = StatePending }
		if err := reg.Transition(id, back); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("RUNNING->PENDING = %v, want ErrInvalidTransition", err)
		}
		if err := reg.Transition(id, RecordRowError("Row 1: x")); err != nil {
			t.Fatalf("append: %v", err)
		}
		appendThenRewind := func(j *Job) {
			j.Errors = append(j.Errors, "Row 2: x")
			j.State = StatePending
		}
		if err := reg.Transition(id, appendThenRewind); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("RUNNING->PENDING with append = %v, want ErrInvalidTransition", err)
		}
		got, _ := reg.Get(id)
		if got.State != StateRunning || len(got.Errors) != 1 || got.Errors[0] != "Row 1: x" {
			t.Fatalf("rejected mutations leaked: %+v", got)
		}
	})
}

func TestRegistry_ErrorLogIsAppendOnly(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		id, _ := reg.Create()
		_ = reg.Transition(id, MarkRunning())
		_ = reg.Transition(id, RecordRowError("Row 1: name is required"))
		first, _ := reg.Get(id)

		var seen []string
		rewrite := func(j *Job) {
			seen = j.Errors
			j.Errors = []string{"Row 2: invalid age"}
		}
		if err := reg.Transition(id, rewrite); err != nil {
			t.Fatalf("Transition: %v", err)
		}
		if len(seen) != 0 {
			t.Fatalf("mutation saw committed entries: %q", seen)
		}
		_ = reg.Transition(id, Fail("Unexpected error: boom", time.Now().UTC()))

		got, _ := reg.Get(id)
		want := []string{"Row 1: name is required", "Row 2: invalid age", "Unexpected error: boom"}
		if fmt.Sprint(got.Errors) != fmt.Sprint(want) {
			t.Fatalf("errors = %q, want %q", got.Errors, want)
		}
		if len(first.Errors) != 1 {
			t.Fatalf("earlier snapshot changed: %q", first.Errors)
		}
	})
}

func TestRegistry_LongErrorLog(t *testing.T) {
	sizes := map[string]int{"memory": 200_000, "sqlite": 5_000}
	for name, factory := range registries() {
		t.Run(name, func(t *testing.T) {
			reg := factory(t)
			rows := sizes[name]
			id, _ := reg.Create()
			_ = reg.Transition(id, MarkRunning())

			start := time.Now()
			for i := 1; i <= rows; i++ {
				if err := reg.Transition(id, RecordRowError(fmt.Sprintf("Row %d: invalid age", i))); err != nil {
					t.Fatalf("row %d: %v", i, err)
				}
			}
			if elapsed := time.Since(start); elapsed > 20*time.Second {
				t.Fatalf("%d appends took %v", rows, elapsed)
			}

			got, err := reg.Get(id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.ErrorCount != rows || len(got.Errors) != rows {
				t.Fatalf("error count %d, log %d, want %d", got.ErrorCount, len(got.Errors), rows)
			}
			for _, i := range []int{1, rows / 2, rows} {
				if want := fmt.Sprintf("Row %d: invalid age", i); got.Errors[i-1] != want {
					t.Fatalf("errors[%d] = %q, want %q", i-1, got.Errors[i-1], want)
				}
			}
		})
	}
}

func TestRegistry_PendingStraightToFailed(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		id, _ := reg.Create()
		if err := reg.Transition(id, Fail("Failed to read uploaded file", time.Now().UTC())); err != nil {
			t.Fatalf("PENDING->FAILED: %v", err)
		}
		got, _ := reg.Get(id)
		if got.State != StateFailed || len(got.Errors) != 1 || got.FinishedAt == nil {
			t.Fatalf("unexpected job: %+v", got)
		}
	})
}

func TestRegistry_Prune(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, reg Registry) {
		old, _ := reg.Create()
		fresh, _ := reg.Create()
		running, _ := reg.Create()

		longAgo := time.Now().UTC().Add(-2 * time.Hour)
		_ = reg.Transition(old, Fail("x", longAgo))
		_ = reg.Transition(fresh, Fail("y", time.Now().UTC()))
		_ = reg.Transition(running, MarkRunning())

		n, err := reg.Prune(time.Now().UTC().Add(-time.Hour))
		if err != nil {
			t.Fatalf("Prune: %v", err)
		}
		if n != 1 {
			t.Fatalf("pruned %d, want 1", n)
		}
		if _, err := reg.Get(old); !errors.Is(err, ErrNotFound) {
			t.Fatalf("old job should be evicted, got %v", err)
		}
		for _, id := range []string{fresh, running} {
			if _, err := reg.Get(id); err != nil {
				t.Fatalf("job %s should remain: %v", id, err)
			}
		}
	})
}

func TestMemoryRegistry_ConcurrentReadersDuringUpdates(t *testing.T) {
	reg := NewMemoryRegistry()
	id, _ := reg.Create()
	_ = reg.Transition(id, MarkRunning())

	const rows = 500
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				j, err := reg.Get(id)
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				if j.TotalRows != j.SuccessCount+j.ErrorCount || len(j.Errors) != j.ErrorCount {
					t.Errorf("inconsistent snapshot: %+v", j)
					return
				}
			}
		}()
	}
	for i := 0; i < rows; i++ {
		var m Mutation
		if i%3 == 0 {
			m = RecordRowError(fmt.Sprintf("Row %d: invalid age", i+1))
		} else {
			m = RecordSuccess()
		}
		if err := reg.Transition(id, m); err != nil {
			t.Fatalf("Transition: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	got, _ := reg.Get(id)
	if got.TotalRows != rows {
		t.Fatalf("total rows %d, want %d", got.TotalRows, rows)
	}
	for i, msg := range got.Errors {
		want := fmt.Sprintf("Row %d: invalid age", i*3+1)
		if msg != want {
			t.Fatalf("errors[%d] = %q, want %q", i, msg, want)
		}
	}
}

func TestMemoryRegistry_SnapshotsAreIsolated(t *testing.T) {
	reg := NewMemoryRegistry()
	id, _ := reg.Create()
	_ = reg.Transition(id, MarkRunning())
	_ = reg.Transition(id, RecordRowError("Row 1: name is required"))

	snap, _ := reg.Get(id)
	snap.Errors[0] = "tampered"
	snap.State = StateCompleted

	got, _ := reg.Get(id)
	if got.Errors[0] != "Row 1: name is required" || got.State != StateRunning {
		t.Fatalf("snapshot mutation leaked into registry: %+v", got)
	}
}

func TestState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateRunning, true},
		{StatePending, StateFailed, true},
		{StatePending, StateCompleted, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StatePending, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Fatalf("%s -> %s = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}
