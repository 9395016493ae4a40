package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

type serverFunc func(ctx context.Context) error

func (f serverFunc) Serve(ctx context.Context) error {
	return f(ctx)
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	root := openRoot(t)
	st := store.New(nil)
	orphan := uuid.NewString()
	require.NoError(t, root.Mkdir(orphan, 0o750))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root.Name(), orphan), old, old))

	scheduler := service.NewScheduler(service.SchedulerConfig{MaxConcurrent: 1, QueueCapacity: 1, Retention: time.Hour}, st, newFakeDL())
	sweeper := service.NewSweeper(st, root, time.Hour, 1)
	interval := model.ISODuration(time.Hour)
	served := make(chan struct{})
	srv := serverFunc(func(ctx context.Context) error {
		close(served)
		<-ctx.Done()
		return nil
	})

	supervisor, err := service.NewSupervisor(t.Context(), model.Cleanup{Interval: &interval}, scheduler, sweeper, func(time.Time) int { return 0 }, srv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		err := supervisor.Do(ctx)
		require.NoError(t, err)
	})

	<-served
	require.Eventually(t, func() bool {
		_, err := root.Stat(orphan)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestSupervisor_ServerFails(t *testing.T) {
	t.Parallel()
	st := store.New(nil)
	scheduler := service.NewScheduler(service.SchedulerConfig{MaxConcurrent: 1, QueueCapacity: 1, Retention: time.Hour}, st, newFakeDL())
	sweeper := service.NewSweeper(st, openRoot(t), time.Hour, 1)
	boom := errors.New("listen tcp: address already in use")

	supervisor, err := service.NewSupervisor(t.Context(), model.Cleanup{Cron: "*/5 * * * *"}, scheduler, sweeper, nil,
		serverFunc(func(context.Context) error { return boom }))
	require.NoError(t, err)
	require.ErrorIs(t, supervisor.Do(t.Context()), boom)
}

func TestSupervisor_BadCron(t *testing.T) {
	t.Parallel()
	st := store.New(nil)
	scheduler := service.NewScheduler(service.SchedulerConfig{}, st, newFakeDL())
	sweeper := service.NewSweeper(st, openRoot(t), time.Hour, 1)
	_, err := service.NewSupervisor(t.Context(), model.Cleanup{Cron: "every day"}, scheduler, sweeper, nil)
	require.Error(t, err)
}
