package parallel_test

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/mediagate/internal/parallel"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.Map(t.Context(), tt.given, slices.Values(input), f)
				require.ElementsMatch(t, expected, values(m1))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMap_Cancel(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
		defer cancel()

		f := func(ctx context.Context, d time.Duration) (time.Duration, error) {
			select {
			case <-time.After(d):
				return d, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		start := time.Now()
		got := values(parallel.Map(ctx, 1, slices.Values([]time.Duration{time.Second, time.Hour, time.Hour}), f))
		require.Equal(t, []time.Duration{time.Second}, got)
		require.Equal(t, 3*time.Second, time.Since(start))
		synctest.Wait()
	})
}

func TestMap_Errors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var calls atomic.Int32
	f := func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		if n%2 == 0 {
			return 0, boom
		}
		return n, nil
	}

	var ok, failed int
	for n, err := range parallel.Map(t.Context(), 2, slices.Values([]int{1, 2, 3, 4}), f) {
		if errors.Is(err, boom) {
			failed++
			continue
		}
		require.NoError(t, err)
		require.Equal(t, 1, n%2)
		ok++
	}
	require.Equal(t, 2, ok)
	require.Equal(t, 2, failed)
	require.Equal(t, int32(4), calls.Load())
}

func TestMap_Break(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(ctx context.Context, n int) (int, error) {
			return n, nil
		}
		input := make([]int, 100)
		for range parallel.Map(t.Context(), 4, slices.Values(input), f) {
			break
		}
		// every worker must exit after a break
		synctest.Wait()
	})
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
