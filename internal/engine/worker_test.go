package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool("test", 2, nil)
	defer pool.Shutdown()

	var ran int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool("test", size, nil)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool("test", 1, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	pool.Wait()

	var ran bool
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	}))
	pool.Wait()

	assert.True(t, ran, "pool keeps working after a panic")
	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
}

func TestWorkerPool_ContextCancellationWhileWaiting(t *testing.T) {
	pool := NewWorkerPool("test", 1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool("test", 2, nil)

	var finished int64
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
		return nil
	}))
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(1), atomic.LoadInt64(&finished), "shutdown waits for active work")
	assert.ErrorIs(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }), ErrPoolShutdown)
}

func TestWorkerPool_FailedTasks(t *testing.T) {
	pool := NewWorkerPool("test", 4, nil)
	defer pool.Shutdown()

	for i := 0; i < 6; i++ {
		fail := i%2 == 0
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			if fail {
				return errors.New("nope")
			}
			return nil
		}))
	}
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(3), m.Failed)
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(0), m.Active)
}
