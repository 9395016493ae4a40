// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for every element of in, at most limit calls run at once.
// Results come in completion order. Breaking the loop or cancelling ctx
// stops the remaining calls.
//
//	for out, err := range parallel.Map(ctx, 4, slices.Values(in), fn) {}
func Map[E, D any](ctx context.Context, limit int, in iter.Seq[E], fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		limit = max(limit, 1)
		out := make(chan result[D], limit)
		go func() {
			var g errgroup.Group
			g.SetLimit(limit)
			for e := range in {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, e)
					select {
					case out <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
			close(out)
		}()

		for r := range out {
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
