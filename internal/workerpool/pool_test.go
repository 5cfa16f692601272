package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobsConcurrentlyUpToLimit(t *testing.T) {
	pool := New(2)
	var inFlight int32
	var maxInFlight int32

	ctx := context.Background()
	var chans []<-chan Result
	for i := 0; i < 6; i++ {
		chans = append(chans, pool.Submit(ctx, func() (interface{}, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxInFlight)
				if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return 42, nil
		}))
	}
	for _, c := range chans {
		res := <-c
		require.NoError(t, res.Err)
		require.Equal(t, 42, res.Value)
	}
	require.LessOrEqual(t, maxInFlight, int32(2))
}

func TestPoolSubmitRespectsCancellation(t *testing.T) {
	pool := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Occupy the only slot first with a real context so the cancelled
	// submit below has to wait on the semaphore and observes ctx.Done().
	done := make(chan struct{})
	_ = pool.Submit(context.Background(), func() (interface{}, error) {
		<-done
		return nil, nil
	})

	res := <-pool.Submit(ctx, func() (interface{}, error) { return nil, nil })
	require.Error(t, res.Err)
	close(done)
}
