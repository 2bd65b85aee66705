// Package txqueue is a bounded in-memory queue for mempool candidates.
//
// Candidates lose value within milliseconds, so the queue prefers freshness over completeness:
//
//  1. Items are processed in the order they were pushed.
//  2. If the queue is full, the oldest unconsumed item is dropped to make room for the new one.
//  3. Every item carries the last block it is still useful for. The queue has to be updated with the
//     current block number regularly, items whose max target block is reached are dropped on pop.
//
// Queue processing:
//
//	The queue is processed by a number of workers in parallel, one per `ProcessFunc` passed to
//	`StartProcessLoop`. Each worker handles one item at a time with a timeout of `WorkerTimeout`.
//	Items are never requeued: an error returned by `ProcessFunc` is logged and the item is discarded.
//
// Queue shutdown:
//  1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
//  2. WaitGroup returned from `StartProcessLoop` can be used to wait for in-flight items to finish.
package txqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashbots/sandwich-searcher/metrics"
	"go.uber.org/zap"
)

var (
	ErrBlockNumberIncorrect = errors.New("block number is invalid")
	ErrStaleItem            = errors.New("item is stale")
)

const (
	DefaultCapacity      = 100
	DefaultWorkerTimeout = 2 * time.Second
)

// ItemInfo describes the queue bookkeeping of an item handed to a worker.
type ItemInfo struct {
	MaxTargetBlock uint64
	PushedAt       time.Time
	// Dropped is the number of items evicted by the overflow policy before this one was popped
	Dropped uint64
}

type ProcessFunc[T any] func(ctx context.Context, item T, info ItemInfo) error

type entry[T any] struct {
	item           T
	maxTargetBlock uint64
	pushedAt       time.Time
}

type Queue[T any] struct {
	log          *zap.Logger
	currentBlock atomic.Uint64
	dropped      atomic.Uint64

	mu     sync.Mutex
	items  []entry[T]
	notify chan struct{}

	Capacity      int
	WorkerTimeout time.Duration
}

func NewQueue[T any](log *zap.Logger, name string) *Queue[T] {
	return &Queue[T]{
		log:           log.With(zap.String("queue", name)),
		notify:        make(chan struct{}, 1),
		Capacity:      DefaultCapacity,
		WorkerTimeout: DefaultWorkerTimeout,
	}
}

func (q *Queue[T]) UpdateBlock(block uint64) error {
	current := q.currentBlock.Load()
	if current == block {
		return nil
	}
	if current > block {
		return ErrBlockNumberIncorrect
	}
	q.currentBlock.Store(block)
	return nil
}

func (q *Queue[T]) CurrentBlock() uint64 {
	return q.currentBlock.Load()
}

// Push adds item to the back of the queue, evicting the oldest item when full.
func (q *Queue[T]) Push(item T, maxTargetBlock uint64) error {
	currentBlock := q.currentBlock.Load()
	if maxTargetBlock <= currentBlock {
		q.log.Debug("max target block is less than current block, skipping", zap.Uint64("max_target_block", maxTargetBlock), zap.Uint64("current_block", currentBlock))
		return ErrStaleItem
	}

	q.mu.Lock()
	if q.Capacity > 0 && len(q.items) >= q.Capacity {
		q.items[0] = entry[T]{}
		q.items = q.items[1:]
		q.dropped.Add(1)
		metrics.IncQueueDroppedOldest()
	}
	q.items = append(q.items, entry[T]{item: item, maxTargetBlock: maxTargetBlock, pushedAt: time.Now()})
	q.mu.Unlock()

	q.signal()
	return nil
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// tryPop returns the oldest item that is still fresh, dropping stale ones on the way.
func (q *Queue[T]) tryPop() (entry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) > 0 {
		e := q.items[0]
		q.items[0] = entry[T]{}
		q.items = q.items[1:]
		if e.maxTargetBlock <= q.currentBlock.Load() {
			metrics.IncQueuePopStaleItem()
			continue
		}
		if len(q.items) > 0 {
			q.signal()
		}
		return e, true
	}
	return entry[T]{}, false
}

func (q *Queue[T]) pop(ctx context.Context) (entry[T], error) {
	for {
		if e, ok := q.tryPop(); ok {
			return e, nil
		}
		select {
		case <-ctx.Done():
			return entry[T]{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *Queue[T]) processNextItem(ctx context.Context, process ProcessFunc[T]) error {
	e, err := q.pop(ctx)
	if err != nil {
		return err
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, q.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, e.item, ItemInfo{
		MaxTargetBlock: e.maxTargetBlock,
		PushedAt:       e.pushedAt,
		Dropped:        q.dropped.Load(),
	})
	q.log.Debug("processed queue item", zap.Duration("time_in_queue", time.Since(e.pushedAt)), zap.Error(err))
	return nil
}

// StartProcessLoop starts a goroutine per worker. ctx signals shutdown, the returned
// WaitGroup allows waiting for in-flight items.
func (q *Queue[T]) StartProcessLoop(ctx context.Context, workers []ProcessFunc[T]) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc[T]) {
			defer wg.Done()
			for {
				err := q.processNextItem(ctx, process)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						q.log.Error("Processing next element failed", zap.Error(err))
					}
					return
				}
			}
		}(process)
	}
	return &wg
}
