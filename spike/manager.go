// Package spike coalesces concurrent requests for the same external resource,
// so a burst of callers asking for one key results in a single fetch.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultCleanupInterval = 5 * time.Second
	defaultFetchTimeout    = 2 * time.Second
)

type Manager[T any] struct {
	mu           sync.Mutex
	handler      Handler[T]
	fetchTimeout time.Duration
	inflight     map[string][]chan<- result[T]
}

// Handler controls how values are fetched and cached. Set and Get may be nil,
// in which case only in-flight requests are shared.
type Handler[T any] struct {
	Fetch func(ctx context.Context, k string) (T, error)
	Set   func(k string, v T)
	Get   func(k string) (T, bool)
}

type result[T any] struct {
	v T
	e error
}

// NewCustomManager creates a Manager with cache behaviour controlled by client code.
func NewCustomManager[T any](h Handler[T], fetchTimeout time.Duration) *Manager[T] {
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	return &Manager[T]{
		handler:      h,
		fetchTimeout: fetchTimeout,
		inflight:     make(map[string][]chan<- result[T]),
	}
}

// NewManager creates a Manager that caches successful results for cacheTime.
// Errors are never cached.
func NewManager[T any](fetch func(ctx context.Context, k string) (T, error), cacheTime time.Duration) *Manager[T] {
	g := gocache.New(cacheTime, defaultCleanupInterval)
	return NewCustomManager[T](Handler[T]{
		Fetch: fetch,
		Set: func(k string, v T) {
			g.Set(k, v, cacheTime)
		},
		Get: func(k string) (T, bool) {
			v, ok := g.Get(k)
			if !ok {
				var rt T
				return rt, false
			}
			//nolint:forcetypeassert
			return v.(T), true
		},
	}, defaultFetchTimeout)
}

func (m *Manager[T]) cached(k string) (T, bool) {
	if m.handler.Get == nil {
		var rt T
		return rt, false
	}
	return m.handler.Get(k)
}

// GetResult returns the value for k, joining an in-flight fetch if there is one.
// The fetch itself is detached from ctx so one impatient caller does not fail the others.
func (m *Manager[T]) GetResult(ctx context.Context, k string) (T, error) { //nolint:ireturn
	if v, ok := m.cached(k); ok {
		return v, nil
	}

	resChan := make(chan result[T], 1)

	m.mu.Lock()
	if v, ok := m.cached(k); ok {
		m.mu.Unlock()
		return v, nil
	}
	waiters, running := m.inflight[k]
	m.inflight[k] = append(waiters, resChan)
	m.mu.Unlock()

	if !running {
		go m.fetch(k)
	}

	select {
	case <-ctx.Done():
		var tr T
		return tr, ctx.Err()
	case completed := <-resChan:
		return completed.v, completed.e
	}
}

func (m *Manager[T]) fetch(k string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	v, err := m.handler.Fetch(ctx, k)
	if err == nil && m.handler.Set != nil {
		m.handler.Set(k, v)
	}

	m.mu.Lock()
	waiters := m.inflight[k]
	delete(m.inflight, k)
	m.mu.Unlock()

	for _, ch := range waiters {
		// buffered with capacity 1, never blocks
		ch <- result[T]{v: v, e: err}
		close(ch)
	}
}
