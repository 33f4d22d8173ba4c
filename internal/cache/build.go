package cache

import (
	"context"
	"errors"
	"sync/atomic"
)

// Build runs fn for (ns, fp) so that concurrent callers with the same key
// share one execution. No lock is held while fn runs. shared reports whether
// the result was delivered to more than one caller.
//
// The caller whose fn is running waits for it to return even after its
// context ends, so that fn can release what it holds first. If that caller
// was cancelled, fn fails with its cancellation; waiters whose own context
// is still live then start a fresh build instead of inheriting that failure.
func Build[T any](ctx context.Context, c *Cache, ns, fp string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	key := indexKey(ns, fp)
	for {
		var leader atomic.Bool
		ch := c.group.DoChan(key, func() (any, error) {
			leader.Store(true)
			return fn(ctx)
		})

		var res singleflightResult
		select {
		case r := <-ch:
			res = singleflightResult{r.Val, r.Err, r.Shared}
		case <-ctx.Done():
			if !leader.Load() {
				var zero T
				return zero, false, ctx.Err()
			}
			r := <-ch
			res = singleflightResult{r.Val, r.Err, r.Shared}
		}

		if res.err != nil {
			if !leader.Load() && ctx.Err() == nil && isCancellation(res.err) {
				continue
			}
			var zero T
			return zero, res.shared, res.err
		}
		return res.val.(T), res.shared, nil
	}
}

type singleflightResult struct {
	val    any
	err    error
	shared bool
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
