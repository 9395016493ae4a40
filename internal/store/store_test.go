package store_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	mu    sync.Mutex
	views map[string]model.JobView
	err   error
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{views: make(map[string]model.JobView)}
}

func (m *fakeMirror) Publish(_ context.Context, v model.JobView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.views[v.ID] = v
	return m.err
}

func (m *fakeMirror) Lookup(_ context.Context, id string) (model.JobView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.JobView{}, m.err
	}
	v, ok := m.views[id]
	if !ok {
		return model.JobView{}, store.ErrNotFound
	}
	return v, nil
}

func (m *fakeMirror) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.views, id)
	return m.err
}

func pending(id string) model.Job {
	return model.Job{ID: id, State: model.StatePending, Stage: model.StageQueued}
}

func TestStore(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	s := store.New(mirror)
	ctx := t.Context()

	require.NoError(t, s.Create(ctx, pending("a")))
	require.ErrorIs(t, s.Create(ctx, pending("a")), store.ErrExists)
	require.ErrorIs(t, s.Create(ctx, model.Job{ID: "b", State: model.StateCompleted}), store.ErrInvalidTransition)
	require.Contains(t, mirror.views, "a")

	_, err := s.Get("nope")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Update(ctx, "nope", func(*model.Job) error { return nil })
	require.ErrorIs(t, err, store.ErrNotFound)

	job, err := s.Update(ctx, "a", func(j *model.Job) error {
		j.State = model.StateDownloading
		j.Stage = model.StageDownloading
		j.Percent = 42
		j.ID = "hijacked"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "a", job.ID)
	require.Equal(t, model.StateDownloading, job.State)
	require.False(t, job.UpdatedAt.Before(job.CreatedAt))
	require.Equal(t, float64(42), mirror.views["a"].Percent)

	t.Run("backward transition", func(t *testing.T) {
		_, err := s.Update(ctx, "a", func(j *model.Job) error {
			j.State = model.StatePending
			return nil
		})
		require.ErrorIs(t, err, store.ErrInvalidTransition)
		got, err := s.Get("a")
		require.NoError(t, err)
		require.Equal(t, model.StateDownloading, got.State)
	})

	t.Run("mutate error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := s.Update(ctx, "a", func(j *model.Job) error {
			j.Percent = 99
			return boom
		})
		require.ErrorIs(t, err, boom)
		got, _ := s.Get("a")
		require.Equal(t, float64(42), got.Percent)
	})

	t.Run("terminal", func(t *testing.T) {
		job, err := s.Update(ctx, "a", func(j *model.Job) error {
			j.State = model.StateCancelled
			return nil
		})
		require.NoError(t, err)
		require.NotZero(t, job.FinishedAt)

		// late progress of a cancelled job is discarded
		got, err := s.Update(ctx, "a", func(j *model.Job) error {
			j.State = model.StateCompleted
			j.Percent = 100
			return nil
		})
		require.ErrorIs(t, err, store.ErrTerminal)
		require.Equal(t, model.StateCancelled, got.State)
		require.Equal(t, float64(42), got.Percent)
	})

	t.Run("delete", func(t *testing.T) {
		s.Delete(ctx, "a")
		s.Delete(ctx, "a")
		require.False(t, s.Has("a"))
		require.NotContains(t, mirror.views, "a")
	})
}

func TestStore_Concurrent(t *testing.T) {
	t.Parallel()
	s := store.New(nil)
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, pending("a")))

	// exactly one of the racing terminal transitions wins
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won []model.State
	for _, state := range []model.State{model.StateCancelled, model.StateFailed, model.StateCancelled, model.StateFailed} {
		wg.Go(func() {
			_, err := s.Update(ctx, "a", func(j *model.Job) error {
				j.State = state
				return nil
			})
			if err == nil {
				mu.Lock()
				won = append(won, state)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	require.Len(t, won, 1)
	got, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, won[0], got.State)
}

func TestStore_MirrorOrder(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	s := store.New(mirror)
	ctx := t.Context()
	require.NoError(t, s.Create(ctx, pending("a")))
	_, err := s.Update(ctx, "a", func(j *model.Job) error {
		j.State = model.StateDownloading
		return nil
	})
	require.NoError(t, err)

	// progress reports race the cancellation
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			_, _ = s.Update(ctx, "a", func(j *model.Job) error {
				j.Percent = float64(i)
				return nil
			})
		})
	}
	wg.Go(func() {
		_, _ = s.Update(ctx, "a", func(j *model.Job) error {
			j.State = model.StateCancelled
			return nil
		})
	})
	wg.Wait()

	got, err := s.Get("a")
	require.NoError(t, err)
	require.Equal(t, model.StateCancelled, got.State)
	view, err := mirror.Lookup(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, got.View(), view)
}

func TestStore_All(t *testing.T) {
	t.Parallel()
	s := store.New(nil)
	ctx := t.Context()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		job := pending(id)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, job))
	}
	var ids []string
	for job := range s.All() {
		ids = append(ids, job.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
	require.Equal(t, map[model.State]int{model.StatePending: 3}, s.Counts())
	require.True(t, slices.ContainsFunc(slices.Collect(s.All()), func(j model.Job) bool { return j.ID == "b" }))
}

func TestStatus(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	s := store.New(mirror)
	status := store.NewStatus(s)
	ctx := t.Context()

	require.NoError(t, s.Create(ctx, pending("a")))
	view, err := status.Status(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.StatePending, view.State)

	_, err = status.Output(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotReady)
	_, err = status.Output(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Update(ctx, "a", func(j *model.Job) error {
		j.State = model.StateDownloading
		return nil
	})
	require.NoError(t, err)
	_, err = status.Output(ctx, "a")
	require.ErrorIs(t, err, store.ErrNotReady)

	deadline := time.Now().Add(time.Hour)
	_, err = s.Update(ctx, "a", func(j *model.Job) error {
		j.State = model.StateCompleted
		j.OutputPath = "a/clip.mp4"
		j.ContentType = "video/mp4"
		j.Size = 1024
		j.RetentionDeadline = deadline
		return nil
	})
	require.NoError(t, err)

	out, err := status.Output(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a/clip.mp4", out.Path)
	require.Equal(t, "clip.mp4", out.Name)
	require.Equal(t, "video/mp4", out.ContentType)
	require.Equal(t, int64(1024), out.Size)

	view, err = status.Status(ctx, "a")
	require.NoError(t, err)
	require.True(t, view.FileAvailable)
	require.Equal(t, "clip.mp4", view.FileName)

	t.Run("failed has no output", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, pending("f")))
		_, err := s.Update(ctx, "f", func(j *model.Job) error {
			j.State = model.StateFailed
			return nil
		})
		require.NoError(t, err)
		_, err = status.Output(ctx, "f")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expired", func(t *testing.T) {
		require.NoError(t, s.Create(ctx, pending("e")))
		for _, state := range []model.State{model.StateDownloading, model.StateCompleted} {
			_, err := s.Update(ctx, "e", func(j *model.Job) error {
				j.State = state
				j.OutputPath = "e/clip.mp4"
				j.RetentionDeadline = time.Now().Add(-time.Second)
				return nil
			})
			require.NoError(t, err)
		}
		_, err = status.Output(ctx, "e")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("mirror fallback", func(t *testing.T) {
		require.NoError(t, mirror.Publish(ctx, model.JobView{ID: "gone", State: model.StateCompleted, FileAvailable: true}))
		view, err := status.Status(ctx, "gone")
		require.NoError(t, err)
		require.Equal(t, model.StateCompleted, view.State)
		require.False(t, view.FileAvailable)
		_, err = status.Output(ctx, "gone")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestStatus_MirrorError(t *testing.T) {
	t.Parallel()
	mirror := newFakeMirror()
	mirror.err = errors.New("connection refused")
	s := store.New(mirror)
	status := store.NewStatus(s)

	// mirror failures never fail the store
	require.NoError(t, s.Create(t.Context(), pending("a")))
	_, err := status.Status(t.Context(), "a")
	require.NoError(t, err)
	_, err = status.Status(t.Context(), "b")
	require.ErrorIs(t, err, store.ErrNotFound)
}
