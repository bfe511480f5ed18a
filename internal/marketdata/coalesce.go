package marketdata

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/yorhagengyue/quotegate/internal/observ"
)

// Coalescer collapses concurrent duplicate requests for one key into a single
// upstream call whose outcome (value or error) every waiter shares. The
// in-flight ticket exists only while the producer runs; once it settles the
// key is forgotten so a later request can retry.
type Coalescer struct {
	group singleflight.Group
}

// NewCoalescer returns an empty coalescer
func NewCoalescer() *Coalescer {
	return &Coalescer{}
}

// RunOrJoin invokes producer if no call for key is in flight, otherwise joins
// the existing one. The producer runs on its own goroutine: a caller whose ctx
// expires stops waiting and gets ctx's error, but the underlying call keeps
// running for the remaining waiters. The value is whatever the producer
// returns; single fetches use a Payload, batch chunks a result map.
func (c *Coalescer) RunOrJoin(ctx context.Context, key string, producer func() (any, error)) (any, error) {
	ch := c.group.DoChan(key, producer)

	select {
	case res := <-ch:
		if res.Shared {
			observ.IncCounter("coalescer_shared_results_total", nil)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
