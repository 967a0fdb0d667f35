package resolve

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mediclab/harbui/internal/logging"
)

// fanOut calls fetch for all of the given items concurrently and waits for
// every call to complete.
//
// The successful results are returned in the same order as their items.
// Failures are logged and then discarded, so one failing item never
// prevents the others from being returned.
func fanOut[T, R any](ctx context.Context, items []T, fetch func(context.Context, T) (R, error), describe func(T) string) []R {
	results := make([]R, len(items))
	succeeded := make([]bool, len(items))

	var g errgroup.Group
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			result, err := fetch(ctx, item)
			if err != nil {
				logging.ContextLogger(ctx).WithError(err).Warnf("skipping %s", describe(item))
				return nil
			}
			results[i] = result
			succeeded[i] = true
			return nil
		})
	}
	// None of the goroutines above return an error.
	_ = g.Wait()

	ret := make([]R, 0, len(items))
	for i, ok := range succeeded {
		if ok {
			ret = append(ret, results[i])
		}
	}
	return ret
}
