// Package parallel runs independent calls concurrently with a bounded number
// of goroutines.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Collect calls fn for every item, at most limit at a time, and returns the
// results in the order of items. The first error cancels the context passed
// to the remaining calls and is returned. A limit lower than one means no
// limit.
func Collect[E, D any](ctx context.Context, limit int, items []E, fn func(context.Context, E) (D, error)) ([]D, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit < 1 {
		limit = -1
	}
	g.SetLimit(limit)

	ret := make([]D, len(items))
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d, err := fn(gctx, item)
			if err != nil {
				return err
			}
			ret[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ret, nil
}
