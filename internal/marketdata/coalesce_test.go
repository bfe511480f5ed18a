package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerSharesOneProducerCall(t *testing.T) {
	c := NewCoalescer()
	var calls int64
	gate := make(chan struct{})

	producer := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		<-gate
		return testQuote("GOOGL", 155.34), nil
	}

	const waiters = 5
	results := make([]any, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.RunOrJoin(context.Background(), "quote|GOOGL", producer)
		}(i)
	}

	// Let every goroutine reach the join before the producer settles.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i], "waiters share the identical result")
	}
}

func TestCoalescerSharesErrors(t *testing.T) {
	c := NewCoalescer()
	var calls int64
	gate := make(chan struct{})

	producer := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		<-gate
		return nil, NewUpstreamUnavailable("GOOGL", "connection refused", nil)
	}

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.RunOrJoin(context.Background(), "quote|GOOGL", producer)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, err := range errs {
		assert.True(t, IsUnavailable(err))
	}
}

func TestCoalescerRetriesAfterSettle(t *testing.T) {
	c := NewCoalescer()
	var calls int64
	producer := func() (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, NewUpstreamUnavailable("MSFT", "down", nil)
	}

	_, err1 := c.RunOrJoin(context.Background(), "quote|MSFT", producer)
	_, err2 := c.RunOrJoin(context.Background(), "quote|MSFT", producer)

	assert.Error(t, err1)
	assert.Error(t, err2)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "ticket is removed on settle so retries run fresh")
}

func TestCoalescerCallerAbandonDoesNotCancelCall(t *testing.T) {
	c := NewCoalescer()
	gate := make(chan struct{})
	done := make(chan struct{})

	producer := func() (any, error) {
		<-gate
		close(done)
		return testQuote("AAPL", 195.89), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.RunOrJoin(ctx, "quote|AAPL", producer)
	require.ErrorIs(t, err, context.Canceled)

	// The underlying call keeps running and settles on its own.
	close(gate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("producer did not complete after caller abandoned")
	}
}
