package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/mediagate/internal/log"
	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

var ErrBusy = errors.New("job queue is full")

// Downloader runs a job to completion, *Executor implements it
type Downloader interface {
	Run(ctx context.Context, job model.Job, report func(Event)) (Output, error)
	Remove(id string) error
}

type SchedulerConfig struct {
	MaxConcurrent int
	QueueCapacity int
	Retention     time.Duration
}

// Scheduler owns the job lifecycle. Submitted jobs wait in a FIFO queue and
// at most MaxConcurrent of them are downloading at a time.
type Scheduler struct {
	cfg   SchedulerConfig
	store *store.Store
	dl    Downloader
	slots *semaphore.Weighted

	mx      sync.Mutex
	pending []string
	running map[string]context.CancelFunc
	closed  bool
	wake    chan struct{}

	tasks sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig, st *store.Store, dl Downloader) *Scheduler {
	cfg.MaxConcurrent = max(cfg.MaxConcurrent, 1)
	cfg.QueueCapacity = max(cfg.QueueCapacity, 1)
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		dl:      dl,
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		running: make(map[string]context.CancelFunc),
		wake:    make(chan struct{}, 1),
	}
}

// Submit stores a new pending job and returns its id. It never waits for
// a download. ErrBusy is returned when the queue is full.
func (s *Scheduler) Submit(ctx context.Context, req model.ValidatedRequest, client string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	job := model.Job{
		ID:      id.String(),
		State:   model.StatePending,
		Stage:   model.StageQueued,
		Request: req,
		Client:  client,
	}

	if err := s.admit(); err != nil {
		return "", err
	}
	if err := s.store.Create(ctx, job); err != nil {
		return "", err
	}

	s.mx.Lock()
	if err := s.admitLocked(); err != nil {
		s.mx.Unlock()
		s.store.Delete(ctx, job.ID)
		return "", err
	}
	s.pending = append(s.pending, job.ID)
	s.mx.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	slog.InfoContext(ctx, "job submitted", "job_id", job.ID, "request", req)
	return job.ID, nil
}

func (s *Scheduler) admit() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.admitLocked()
}

func (s *Scheduler) admitLocked() error {
	if s.closed {
		return fmt.Errorf("%w: shutting down", ErrBusy)
	}
	if len(s.pending) >= s.cfg.QueueCapacity {
		return ErrBusy
	}
	return nil
}

// Cancel moves a pending or downloading job to cancelled and stops its
// process. A job in a terminal state is left as is.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	_, err := s.store.Update(ctx, id, func(j *model.Job) error {
		cancelled(j, s.cfg.Retention)
		return nil
	})
	switch {
	case errors.Is(err, store.ErrTerminal):
		return nil
	case err != nil:
		return err
	}

	s.mx.Lock()
	s.pending = slices.DeleteFunc(s.pending, func(p string) bool { return p == id })
	stop := s.running[id]
	s.mx.Unlock()
	if stop != nil {
		stop()
	}
	slog.InfoContext(ctx, "job cancelled", "job_id", id)
	return nil
}

func cancelled(j *model.Job, retention time.Duration) {
	j.State = model.StateCancelled
	j.Error = model.NewExecutionError(model.KindCancelled, nil).Summary()
	j.RetentionDeadline = time.Now().UTC().Add(retention)
}

// Stats returns the number of queued and running jobs
func (s *Scheduler) Stats() (pending, running int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending), len(s.running)
}

// Do dispatches queued jobs until ctx is done. On return every pending and
// running job is cancelled and all downloads have exited.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a scheduler", "slots", s.cfg.MaxConcurrent)
	defer s.shutdown(context.WithoutCancel(ctx))
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return nil
		}
		id, ok := s.next(ctx)
		if !ok {
			s.slots.Release(1)
			return nil
		}
		s.start(ctx, id)
	}
}

func (s *Scheduler) next(ctx context.Context) (string, bool) {
	for {
		s.mx.Lock()
		if len(s.pending) > 0 {
			id := s.pending[0]
			s.pending = s.pending[1:]
			s.mx.Unlock()
			return id, true
		}
		s.mx.Unlock()
		select {
		case <-ctx.Done():
			return "", false
		case <-s.wake:
		}
	}
}

// start runs a job in its own goroutine, the slot is released once the
// download has exited
func (s *Scheduler) start(ctx context.Context, id string) {
	jctx, cancel := context.WithCancel(log.ContextAttrs(ctx, slog.String("job_id", id)))
	s.mx.Lock()
	s.running[id] = cancel
	s.mx.Unlock()

	release := func() {
		s.mx.Lock()
		delete(s.running, id)
		s.mx.Unlock()
		cancel()
		s.slots.Release(1)
	}

	job, err := s.store.Update(jctx, id, func(j *model.Job) error {
		j.State = model.StateDownloading
		j.Stage = model.StageExtracting
		j.StartedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		// cancelled while queued
		release()
		if !errors.Is(err, store.ErrTerminal) {
			slog.WarnContext(jctx, "starting a job", "error", err)
		}
		return
	}

	s.tasks.Go(func() {
		defer release()
		out, err := s.dl.Run(jctx, job, func(ev Event) {
			_, _ = s.store.Update(jctx, id, func(j *model.Job) error {
				j.Stage = ev.Stage
				j.Percent = ev.Percent
				j.Fragment = ev.Fragment
				j.Fragments = ev.Fragments
				return nil
			})
		})
		s.finish(context.WithoutCancel(jctx), id, out, err)
	})
}

func (s *Scheduler) finish(ctx context.Context, id string, out Output, runErr error) {
	deadline := time.Now().UTC().Add(s.cfg.Retention)
	if runErr == nil {
		_, err := s.store.Update(ctx, id, func(j *model.Job) error {
			j.State = model.StateCompleted
			j.Stage = model.StageDone
			j.Percent = 100
			j.OutputPath = out.Path
			j.ContentType = out.ContentType
			j.Size = out.Size
			j.RetentionDeadline = deadline
			return nil
		})
		if err == nil {
			slog.InfoContext(ctx, "job completed")
			return
		}
		// cancelled in a meantime
		s.discard(ctx, id)
		return
	}

	var xerr *model.ExecutionError
	if !errors.As(runErr, &xerr) {
		xerr = model.NewExecutionError(model.KindInternal, runErr)
	}
	_, err := s.store.Update(ctx, id, func(j *model.Job) error {
		if xerr.Kind == model.KindCancelled {
			cancelled(j, s.cfg.Retention)
			return nil
		}
		j.State = model.StateFailed
		j.Error = xerr.Summary()
		j.RetentionDeadline = deadline
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		slog.ErrorContext(ctx, "storing job result", "error", err)
	}
	switch xerr.Kind {
	case model.KindCancelled:
		slog.InfoContext(ctx, "job stopped", "kind", string(xerr.Kind))
	case model.KindInternal:
		slog.ErrorContext(ctx, "job failed", "kind", string(xerr.Kind), "error", runErr)
	default:
		slog.WarnContext(ctx, "job failed", "kind", string(xerr.Kind), "error", runErr)
	}
	s.discard(ctx, id)
}

// discard deletes a partial output
func (s *Scheduler) discard(ctx context.Context, id string) {
	if err := s.dl.Remove(id); err != nil {
		slog.WarnContext(ctx, "removing partial output", "error", err)
	}
}

func (s *Scheduler) shutdown(ctx context.Context) {
	s.mx.Lock()
	s.closed = true
	pending := s.pending
	s.pending = nil
	for _, stop := range s.running {
		stop()
	}
	s.mx.Unlock()

	for _, id := range pending {
		_, err := s.store.Update(ctx, id, func(j *model.Job) error {
			cancelled(j, s.cfg.Retention)
			return nil
		})
		if err != nil && !errors.Is(err, store.ErrTerminal) {
			slog.WarnContext(ctx, "cancelling a queued job", "job_id", id, "error", err)
		}
	}
	s.tasks.Wait()
	slog.DebugContext(ctx, "scheduler stopped")
}
