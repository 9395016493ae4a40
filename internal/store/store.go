// Package store keeps job records in memory. Every record has its own lock
// and its state only moves forward along model.State transitions.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrNotReady          = errors.New("job output is not ready")
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrExists            = errors.New("job already exists")
)

// Mirror receives a copy of every JobView. Implementations must not block
// for long, they are called synchronously with the job locked.
type Mirror interface {
	Publish(ctx context.Context, view model.JobView) error
	Lookup(ctx context.Context, id string) (model.JobView, error)
	Delete(ctx context.Context, id string) error
}

type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*entry
	mirror Mirror
}

type entry struct {
	mu  sync.Mutex
	job model.Job
}

// New returns an empty store, mirror may be nil.
func New(mirror Mirror) *Store {
	return &Store{
		jobs:   make(map[string]*entry),
		mirror: mirror,
	}
}

// Create inserts a new job, which must be pending.
func (s *Store) Create(ctx context.Context, job model.Job) error {
	if job.State != model.StatePending {
		return fmt.Errorf("create job in state %s: %w", job.State, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	e := &entry{job: job}
	e.mu.Lock()
	defer e.mu.Unlock()
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.jobs[job.ID] = e
	s.mu.Unlock()

	s.publish(ctx, job)
	return nil
}

func (s *Store) entry(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	return e, ok
}

func (s *Store) Get(id string) (model.Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return model.Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// Update applies mutate to a copy of the job and stores it. A mutation of a
// terminal job is discarded with ErrTerminal, a state change which is not a
// valid transition is discarded with ErrInvalidTransition. Either way the
// current job is returned. An error returned by mutate discards the change too.
func (s *Store) Update(ctx context.Context, id string, mutate func(*model.Job) error) (model.Job, error) {
	e, ok := s.entry(id)
	if !ok {
		return model.Job{}, ErrNotFound
	}

	// the mirror is published under the entry lock, so it sees the
	// changes of one job in order
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.job
	if current.State.Terminal() {
		return current, ErrTerminal
	}
	next := current
	if err := mutate(&next); err != nil {
		return current, err
	}
	if next.State != current.State && !current.State.CanTransition(next.State) {
		return current, fmt.Errorf("%s -> %s: %w", current.State, next.State, ErrInvalidTransition)
	}
	now := time.Now().UTC()
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	if next.State.Terminal() && next.FinishedAt.IsZero() {
		next.FinishedAt = now
	}
	e.job = next
	s.publish(ctx, next)
	return next, nil
}

// Delete removes the record, a missing one is not an error.
func (s *Store) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok && s.mirror != nil {
		if err := s.mirror.Delete(ctx, id); err != nil {
			slog.WarnContext(ctx, "mirror: delete", "job_id", id, "error", err)
		}
	}
}

// All iterates over a snapshot of all jobs ordered by creation time
func (s *Store) All() iter.Seq[model.Job] {
	s.mu.RLock()
	entries := slices.Collect(maps.Values(s.jobs))
	s.mu.RUnlock()

	jobs := make([]model.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		jobs = append(jobs, e.job)
		e.mu.Unlock()
	}
	slices.SortFunc(jobs, func(a, b model.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return slices.Values(jobs)
}

func (s *Store) Has(id string) bool {
	_, ok := s.entry(id)
	return ok
}

// Counts returns the number of jobs per state
func (s *Store) Counts() map[model.State]int {
	ret := make(map[model.State]int)
	for job := range s.All() {
		ret[job.State]++
	}
	return ret
}

func (s *Store) publish(ctx context.Context, job model.Job) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Publish(ctx, job.View()); err != nil {
		slog.WarnContext(ctx, "mirror: publish", "job_id", job.ID, "error", err)
	}
}
