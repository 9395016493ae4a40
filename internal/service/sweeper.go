package service

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/parallel"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

// Sweeper removes outputs and records of jobs past their retention
// deadline, and directories no record refers to.
type Sweeper struct {
	store       *store.Store
	root        *os.Root
	retention   time.Duration
	parallelism int
}

type SweepStats struct {
	Removed int
	Orphans int
	Failed  int
	Stale   int
}

func NewSweeper(st *store.Store, root *os.Root, retention time.Duration, parallelism int) *Sweeper {
	return &Sweeper{
		store:       st,
		root:        root,
		retention:   retention,
		parallelism: max(parallelism, 1),
	}
}

type target struct {
	id     string
	orphan bool
}

// Sweep runs one cleanup pass. A failed removal is logged and the job is
// retried by the next pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	now := time.Now().UTC()
	var stats SweepStats
	var targets []target
	for job := range s.store.All() {
		if !job.State.Terminal() {
			if now.Sub(job.CreatedAt) > s.retention {
				stats.Stale++
				slog.WarnContext(ctx, "job is stale", "job_id", job.ID, "state", string(job.State), "age", now.Sub(job.CreatedAt).Round(time.Second).String())
			}
			continue
		}
		if expired(job, now, s.retention) {
			targets = append(targets, target{id: job.ID})
		}
	}
	for id, err := range s.orphans(now) {
		if err != nil {
			slog.WarnContext(ctx, "listing storage root", "error", err)
			break
		}
		targets = append(targets, target{id: id, orphan: true})
	}
	if len(targets) == 0 {
		return stats
	}

	remove := func(ctx context.Context, t target) (target, error) {
		if err := s.root.RemoveAll(t.id); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return t, err
		}
		if !t.orphan {
			s.store.Delete(ctx, t.id)
		}
		return t, nil
	}
	for t, err := range parallel.Map(ctx, s.parallelism, slices.Values(targets), remove) {
		switch {
		case err != nil:
			stats.Failed++
			slog.ErrorContext(ctx, "removing job output", "job_id", t.id, "error", err)
		case t.orphan:
			stats.Orphans++
			slog.InfoContext(ctx, "orphan removed", "job_id", t.id)
		default:
			stats.Removed++
			slog.DebugContext(ctx, "job expired", "job_id", t.id)
		}
	}
	slog.InfoContext(ctx, "sweep done", "removed", stats.Removed, "orphans", stats.Orphans, "failed", stats.Failed, "stale", stats.Stale)
	return stats
}

func expired(job model.Job, now time.Time, retention time.Duration) bool {
	deadline := job.RetentionDeadline
	if deadline.IsZero() {
		deadline = job.FinishedAt.Add(retention)
	}
	return !now.Before(deadline)
}

// orphans yields top level directories named by a job id which the store
// does not know and which are older than the retention
func (s *Sweeper) orphans(now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries, err := fs.ReadDir(s.root.FS(), ".")
		if err != nil {
			yield("", err)
			return
		}
		for _, e := range entries {
			name := e.Name()
			if id, err := uuid.Parse(name); err != nil || id.String() != name {
				continue
			}
			if s.store.Has(name) {
				continue
			}
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) <= s.retention {
				continue
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}
