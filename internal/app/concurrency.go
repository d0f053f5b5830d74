package app

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PartialResult holds a result or an error for partial success patterns.
type PartialResult[T any] struct {
	Value T
	Err   error
}

// ParallelPartialLimit runs fns with at most limit in flight and waits for
// all of them. One failure never cancels its siblings; every outcome is
// returned at the index of its function.
//
// Example:
//
//	results := ParallelPartialLimit(ctx, 4, pushFuncs...)
//	for i, r := range results {
//	    if r.Err != nil {
//	        // handle failure of pushFuncs[i]
//	    }
//	}
func ParallelPartialLimit[T any](
	ctx context.Context,
	limit int,
	fns ...func(context.Context) (T, error),
) []PartialResult[T] {
	results := make([]PartialResult[T], len(fns))

	if limit < 1 {
		limit = 1
	}

	// A plain Group: no derived context, so a failure cancels nothing.
	var g errgroup.Group
	g.SetLimit(limit)

	for i, fn := range fns {
		g.Go(func() error {
			value, err := fn(ctx)
			results[i] = PartialResult[T]{Value: value, Err: err}

			return nil
		})
	}

	_ = g.Wait()

	return results
}
