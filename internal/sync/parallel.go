package sync

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ParallelCollect maps items through process with at most workers calls in
// flight and returns the values in input order. The first failure cancels the
// remaining items and is returned.
//
// onProgress, when set, is called after every successful item.
func ParallelCollect[T any, R any](
	ctx context.Context,
	items []T,
	workers int,
	process func(ctx context.Context, item T) (R, error),
	onProgress func(done int64, total int64),
) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}

	out := make([]R, len(items))
	total := int64(len(items))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(max(workers, 1), len(items)))
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			value, err := process(gctx, item)
			if err != nil {
				return err
			}
			out[i] = value
			if n := done.Add(1); onProgress != nil {
				onProgress(n, total)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
