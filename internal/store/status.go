package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
)

// Status is the read only view of jobs handed to callers
type Status struct {
	store  *Store
	mirror Mirror
}

func NewStatus(store *Store) *Status {
	return &Status{store: store, mirror: store.mirror}
}

// Status returns the sanitized view of a job. Jobs unknown to this process
// are looked up in the mirror, if configured.
func (s *Status) Status(ctx context.Context, id string) (model.JobView, error) {
	job, err := s.store.Get(id)
	if err == nil {
		return job.View(), nil
	}
	if s.mirror == nil {
		return model.JobView{}, ErrNotFound
	}
	view, merr := s.mirror.Lookup(ctx, id)
	switch {
	case merr == nil:
		// files of other processes are never served
		view.FileAvailable = false
		return view, nil
	case !errors.Is(merr, ErrNotFound):
		slog.WarnContext(ctx, "mirror: lookup", "job_id", id, "error", merr)
	}
	return model.JobView{}, ErrNotFound
}

// Output describes the downloaded file of a completed job
type Output struct {
	Path        string // relative to the storage root
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// Output returns ErrNotReady for a job still in progress and ErrNotFound
// for an unknown, failed, cancelled or expired job.
func (s *Status) Output(_ context.Context, id string) (Output, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return Output{}, err
	}
	switch {
	case !job.State.Terminal():
		return Output{}, ErrNotReady
	case job.State != model.StateCompleted, job.OutputPath == "":
		return Output{}, ErrNotFound
	case !job.RetentionDeadline.IsZero() && !time.Now().Before(job.RetentionDeadline):
		return Output{}, ErrNotFound
	}
	return Output{
		Path:        job.OutputPath,
		Name:        model.OutputName(job.OutputPath),
		ContentType: job.ContentType,
		Size:        job.Size,
		ModTime:     job.FinishedAt,
	}, nil
}
