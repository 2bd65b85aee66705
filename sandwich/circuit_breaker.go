package sandwich

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashbots/sandwich-searcher/metrics"
	"go.uber.org/zap"
)

// LossLedger is the view of the risk ledger the breaker watches.
type LossLedger interface {
	DailyLoss(now time.Time) *big.Int
}

// CircuitBreaker trips once the daily loss exceeds the limit. The trip is
// terminal for the process, only a restart resets it.
type CircuitBreaker struct {
	log      *zap.Logger
	ledger   LossLedger
	limit    *big.Int
	interval time.Duration
	now      func() time.Time

	tripped   atomic.Bool
	trippedCh chan struct{}
	tripOnce  sync.Once
	lastCheck atomic.Int64
}

func NewCircuitBreaker(log *zap.Logger, ledger LossLedger, dailyLossLimit *big.Int, interval time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		log:       log.Named("breaker"),
		ledger:    ledger,
		limit:     new(big.Int).Set(dailyLossLimit),
		interval:  interval,
		now:       time.Now,
		trippedCh: make(chan struct{}),
	}
}

// Run evaluates the ledger every interval until ctx is done or the breaker trips.
func (b *CircuitBreaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.trippedCh:
			return
		case <-ticker.C:
			b.Check()
		}
	}
}

// Check compares the daily loss against the limit. Once tripped it does nothing.
func (b *CircuitBreaker) Check() {
	if b.tripped.Load() {
		return
	}
	now := b.now()
	b.lastCheck.Store(now.UnixMilli())
	loss := b.ledger.DailyLoss(now)
	if loss.Cmp(b.limit) <= 0 {
		return
	}
	b.tripOnce.Do(func() {
		b.tripped.Store(true)
		metrics.IncCircuitBreakerTripped()
		b.log.Error("Daily loss limit exceeded, circuit breaker tripped",
			zap.String("dailyLoss", formatUnits(loss, "eth")),
			zap.String("limit", formatUnits(b.limit, "eth")))
		close(b.trippedCh)
	})
}

// Allow refuses once the breaker tripped, without looking at the ledger again.
func (b *CircuitBreaker) Allow() error {
	if b.tripped.Load() {
		return ErrCircuitBreakerTripped
	}
	return nil
}

// Tripped is closed when the breaker trips.
func (b *CircuitBreaker) Tripped() <-chan struct{} {
	return b.trippedCh
}

func (b *CircuitBreaker) LastCheck() time.Time {
	ms := b.lastCheck.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
