package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Fanout calls fn for every index in [0, n) with at most limit calls in
// flight, and returns once all of them have returned.
//
// A failing call does not cancel its siblings: every index is visited and
// the first error is returned. Callers that must not abort on a single
// failure record per-index results themselves and return nil.
func Fanout(ctx context.Context, limit, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(ctx, i) })
	}
	return g.Wait()
}
