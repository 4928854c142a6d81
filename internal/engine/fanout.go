package engine

import (
	"context"
	"sync"
)

// ForEach runs fn over items with at most limit concurrent invocations.
// Every item is attempted; the returned slice holds each item's error at
// its input index, and the aggregate error count. A limit below 1 means
// serial execution.
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, i int, item T) error) ([]error, int) {
	if limit < 1 {
		limit = 1
	}
	errs := make([]error, len(items))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(ctx, i, items[i])
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	return errs, failed
}
