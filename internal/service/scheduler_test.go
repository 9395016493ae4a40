package service_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/mediagate/internal/model"
	"github.com/CZERTAINLY/mediagate/internal/service"
	"github.com/CZERTAINLY/mediagate/internal/store"
)

type result struct {
	out service.Output
	err error
}

// fakeDL blocks every job until finish is called or its context is done
type fakeDL struct {
	mx      sync.Mutex
	started []string
	removed []string
	results map[string]chan result
}

func newFakeDL() *fakeDL {
	return &fakeDL{results: make(map[string]chan result)}
}

func (f *fakeDL) ch(id string) chan result {
	f.mx.Lock()
	defer f.mx.Unlock()
	c, ok := f.results[id]
	if !ok {
		c = make(chan result, 1)
		f.results[id] = c
	}
	return c
}

func (f *fakeDL) Run(ctx context.Context, job model.Job, report func(service.Event)) (service.Output, error) {
	f.mx.Lock()
	f.started = append(f.started, job.ID)
	f.mx.Unlock()
	report(service.Event{Stage: model.StageDownloading, Percent: 10})
	select {
	case r := <-f.ch(job.ID):
		return r.out, r.err
	case <-ctx.Done():
		return service.Output{}, model.NewExecutionError(model.KindCancelled, ctx.Err())
	}
}

func (f *fakeDL) Remove(id string) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDL) finish(id string, out service.Output, err error) {
	f.ch(id) <- result{out: out, err: err}
}

func (f *fakeDL) Started() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.started)
}

func (f *fakeDL) Removed() []string {
	f.mx.Lock()
	defer f.mx.Unlock()
	return slices.Clone(f.removed)
}

type harness struct {
	st   *store.Store
	dl   *fakeDL
	s    *service.Scheduler
	stop context.CancelFunc
	done chan error
}

func newHarness(t *testing.T, slots, capacity int, run bool) *harness {
	t.Helper()
	h := &harness{st: store.New(nil), dl: newFakeDL(), done: make(chan error, 1)}
	h.s = service.NewScheduler(service.SchedulerConfig{
		MaxConcurrent: slots,
		QueueCapacity: capacity,
		Retention:     time.Hour,
	}, h.st, h.dl)
	if run {
		ctx, cancel := context.WithCancel(t.Context())
		h.stop = cancel
		go func() { h.done <- h.s.Do(ctx) }()
	}
	return h
}

func (h *harness) submit(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		id, err := h.s.Submit(t.Context(), model.ValidatedRequest{URL: "https://example.com/v", Host: "example.com"}, "192.0.2.1")
		require.NoError(t, err)
		_, err = uuid.Parse(id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) job(t *testing.T, id string) model.Job {
	t.Helper()
	job, err := h.st.Get(id)
	require.NoError(t, err)
	return job
}

func (h *harness) shutdown(t *testing.T) {
	t.Helper()
	h.stop()
	require.NoError(t, <-h.done)
}

func TestScheduler(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 2, 10, true)
		ids := h.submit(t, 3)
		synctest.Wait()

		// the first two jobs take the slots, their goroutines start in any order
		require.ElementsMatch(t, ids[:2], h.dl.Started())
		require.Equal(t, model.StateDownloading, h.job(t, ids[0]).State)
		require.Equal(t, model.StateDownloading, h.job(t, ids[1]).State)
		require.Equal(t, model.StatePending, h.job(t, ids[2]).State)
		counts := h.st.Counts()
		require.Equal(t, 2, counts[model.StateDownloading])
		require.Equal(t, 1, counts[model.StatePending])
		pending, running := h.s.Stats()
		require.Equal(t, 1, pending)
		require.Equal(t, 2, running)

		first := h.job(t, ids[0])
		require.Equal(t, model.StageDownloading, first.Stage)
		require.Equal(t, 10.0, first.Percent)
		require.Equal(t, "192.0.2.1", first.Client)
		require.False(t, first.StartedAt.IsZero())
		require.Equal(t, model.StageQueued, h.job(t, ids[2]).Stage)

		// completed
		{
			h.dl.finish(ids[0], service.Output{Path: ids[0] + "/a.mp4", ContentType: "video/mp4", Size: 3}, nil)
			synctest.Wait()
			job := h.job(t, ids[0])
			require.Equal(t, model.StateCompleted, job.State)
			require.Equal(t, model.StageDone, job.Stage)
			require.Equal(t, 100.0, job.Percent)
			require.Equal(t, ids[0]+"/a.mp4", job.OutputPath)
			require.Equal(t, "video/mp4", job.ContentType)
			require.Equal(t, int64(3), job.Size)
			require.True(t, job.RetentionDeadline.Equal(time.Now().Add(time.Hour)))
			require.False(t, job.FinishedAt.IsZero())
			require.Nil(t, job.Error)
			// the freed slot starts the queued job
			require.ElementsMatch(t, ids, h.dl.Started())
			require.Equal(t, model.StateDownloading, h.job(t, ids[2]).State)
		}

		// failed
		{
			h.dl.finish(ids[1], service.Output{}, model.NewExecutionError(model.KindNetwork, errors.New("dial tcp: refused")))
			h.dl.finish(ids[2], service.Output{}, errors.New("boom"))
			synctest.Wait()

			job := h.job(t, ids[1])
			require.Equal(t, model.StateFailed, job.State)
			require.Equal(t, &model.ErrorSummary{Kind: model.KindNetwork, Message: model.KindNetwork.Message()}, job.Error)
			require.False(t, job.RetentionDeadline.IsZero())
			require.Equal(t, model.KindInternal, h.job(t, ids[2]).Error.Kind)
			require.ElementsMatch(t, ids[1:], h.dl.Removed())
		}

		h.shutdown(t)
	})
}

func TestScheduler_FIFO(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 1, 10, true)
		ids := h.submit(t, 5)
		for i, id := range ids {
			synctest.Wait()
			require.Equal(t, ids[:i+1], h.dl.Started())
			h.dl.finish(id, service.Output{Path: id + "/x"}, nil)
		}
		synctest.Wait()
		require.Equal(t, 5, h.st.Counts()[model.StateCompleted])
		h.shutdown(t)
	})
}

func TestScheduler_Busy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, 2, false)
	h.submit(t, 2)
	_, err := h.s.Submit(t.Context(), model.ValidatedRequest{URL: "https://example.com/"}, "")
	require.ErrorIs(t, err, service.ErrBusy)
	require.Equal(t, 2, h.st.Counts()[model.StatePending])
}

func TestScheduler_Cancel(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 1, 10, true)
		ids := h.submit(t, 3)
		synctest.Wait()
		running, queued, done := ids[0], ids[1], ids[2]

		// pending
		{
			require.NoError(t, h.s.Cancel(t.Context(), queued))
			job := h.job(t, queued)
			require.Equal(t, model.StateCancelled, job.State)
			require.Equal(t, model.KindCancelled, job.Error.Kind)
			require.False(t, job.RetentionDeadline.IsZero())
		}

		// downloading
		{
			require.NoError(t, h.s.Cancel(t.Context(), running))
			// the state changes before the process exits
			require.Equal(t, model.StateCancelled, h.job(t, running).State)
			synctest.Wait()
			require.Equal(t, []string{running}, h.dl.Removed())
		}

		// terminal
		{
			synctest.Wait()
			// the queued job was skipped
			require.Equal(t, []string{running, done}, h.dl.Started())
			h.dl.finish(done, service.Output{Path: done + "/x"}, nil)
			synctest.Wait()
			require.NoError(t, h.s.Cancel(t.Context(), done))
			require.Equal(t, model.StateCompleted, h.job(t, done).State)
			require.NoError(t, h.s.Cancel(t.Context(), running))
			require.Equal(t, model.StateCancelled, h.job(t, running).State)
		}

		// unknown
		{
			err := h.s.Cancel(t.Context(), uuid.NewString())
			require.ErrorIs(t, err, store.ErrNotFound)
		}

		h.shutdown(t)
	})
}

func TestScheduler_Shutdown(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 1, 10, true)
		ids := h.submit(t, 2)
		synctest.Wait()

		h.shutdown(t)
		for _, id := range ids {
			job := h.job(t, id)
			require.Equal(t, model.StateCancelled, job.State, id)
			require.Equal(t, model.KindCancelled, job.Error.Kind)
		}
		require.Equal(t, ids[:1], h.dl.Started())
		pending, running := h.s.Stats()
		require.Zero(t, pending)
		require.Zero(t, running)

		_, err := h.s.Submit(t.Context(), model.ValidatedRequest{URL: "https://example.com/"}, "")
		require.ErrorIs(t, err, service.ErrBusy)
	})
}
