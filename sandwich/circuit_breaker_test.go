package sandwich

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingLedger struct {
	loss  atomic.Int64
	reads atomic.Int32
}

func (l *countingLedger) DailyLoss(now time.Time) *big.Int {
	l.reads.Add(1)
	return big.NewInt(l.loss.Load())
}

func TestCircuitBreakerTripsOnce(t *testing.T) {
	ledger := &countingLedger{}
	ledger.loss.Store(500)
	b := NewCircuitBreaker(zap.NewNop(), ledger, big.NewInt(1_000), time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.False(t, b.LastCheck().IsZero())

	ledger.loss.Store(1_050)
	select {
	case <-b.Tripped():
	case <-time.After(time.Second):
		t.Fatal("breaker did not trip")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after tripping")
	}

	reads := ledger.reads.Load()
	// sticky, even if the ledger would now pass
	ledger.loss.Store(0)
	b.Check()
	for i := 0; i < 10; i++ {
		require.ErrorIs(t, b.Allow(), ErrCircuitBreakerTripped)
	}
	require.Equal(t, reads, ledger.reads.Load())
	require.Equal(t, KindCircuitBreakerTripped, KindOf(b.Allow()))
}

func TestCircuitBreakerAtLimitKeepsRunning(t *testing.T) {
	ledger := &countingLedger{}
	ledger.loss.Store(1_000)
	b := NewCircuitBreaker(zap.NewNop(), ledger, big.NewInt(1_000), time.Hour)
	b.Check()
	require.NoError(t, b.Allow())
	select {
	case <-b.Tripped():
		t.Fatal("tripped at the limit")
	default:
	}
}

func TestCircuitBreakerWatchesRiskGate(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	gate := newTestRiskGate(t, now, nil)
	b := NewCircuitBreaker(zap.NewNop(), gate, gate.Parameters().DailyLossLimit, time.Hour)
	b.now = func() time.Time { return now }

	require.NoError(t, gate.Record(context.Background(), Trade{Timestamp: now, ProfitLoss: big.NewInt(-600)}))
	b.Check()
	require.NoError(t, b.Allow())

	require.NoError(t, gate.Record(context.Background(), Trade{Timestamp: now, ProfitLoss: big.NewInt(-401)}))
	b.Check()
	require.ErrorIs(t, b.Allow(), ErrCircuitBreakerTripped)
}
