package txqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestQueue(t *testing.T) {
	ctx := context.Background()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	processed := make(chan string, 10)
	nextProcessed := func() string {
		select {
		case data := <-processed:
			return data
		case <-time.After(1 * time.Second):
			t.Fatal("timeout")
		}
		return ""
	}
	processOk := func(ctx context.Context, item string, info ItemInfo) error {
		processed <- item
		return nil
	}

	t.Run("empty queue cancel", func(t *testing.T) {
		queue := NewQueue[string](log, "empty")
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})

		// wait so code gets to the blocking pop
		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
	})

	t.Run("normal processing", func(t *testing.T) {
		queue := NewQueue[string](log, "normal")
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})

		require.NoError(t, queue.UpdateBlock(1))
		require.NoError(t, queue.Push("a", 3))
		require.NoError(t, queue.Push("b", 3))

		require.Equal(t, "a", nextProcessed())
		require.Equal(t, "b", nextProcessed())
		procCancel()
		wg.Wait()
	})

	t.Run("multiple workers", func(t *testing.T) {
		queue := NewQueue[string](log, "multiple")
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, MultipleWorkers(processOk, 10, rate.Inf, 1))

		require.NoError(t, queue.UpdateBlock(1))
		for i := 0; i < 5; i++ {
			require.NoError(t, queue.Push("tx", 2))
		}
		for i := 0; i < 5; i++ {
			require.Equal(t, "tx", nextProcessed())
		}
		procCancel()
		wg.Wait()
	})
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	queue := NewQueue[int](zap.NewNop(), "full")
	queue.Capacity = 3
	for i := 1; i <= 5; i++ {
		require.NoError(t, queue.Push(i, 10))
	}
	require.Equal(t, 3, queue.Len())

	var got []int
	for {
		e, ok := queue.tryPop()
		if !ok {
			break
		}
		got = append(got, e.item)
	}
	require.Equal(t, []int{3, 4, 5}, got)
	require.Equal(t, uint64(2), queue.dropped.Load())
}

func TestQueueFreshness(t *testing.T) {
	queue := NewQueue[string](zap.NewNop(), "fresh")
	require.NoError(t, queue.UpdateBlock(10))

	require.ErrorIs(t, queue.Push("late", 10), ErrStaleItem)
	require.NoError(t, queue.Push("expires", 11))
	require.NoError(t, queue.Push("survives", 12))

	require.NoError(t, queue.UpdateBlock(11))
	require.ErrorIs(t, queue.UpdateBlock(9), ErrBlockNumberIncorrect)

	e, ok := queue.tryPop()
	require.True(t, ok)
	require.Equal(t, "survives", e.item)
	_, ok = queue.tryPop()
	require.False(t, ok)
}

func TestQueueWorkerTimeout(t *testing.T) {
	queue := NewQueue[string](zap.NewNop(), "timeout")
	queue.WorkerTimeout = 10 * time.Millisecond

	var deadlineHit atomic.Bool
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	wg := queue.StartProcessLoop(ctx, []ProcessFunc[string]{func(ctx context.Context, item string, info ItemInfo) error {
		<-ctx.Done()
		deadlineHit.Store(ctx.Err() == context.DeadlineExceeded)
		close(done)
		return ctx.Err()
	}})

	require.NoError(t, queue.Push("slow", 1))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	require.True(t, deadlineHit.Load())
	cancel()
	wg.Wait()
}
