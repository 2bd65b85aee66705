package sandwich

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TradeStore persists the ledger so the daily loss survives a restart.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade Trade) error
	TradesSince(ctx context.Context, since time.Time) ([]Trade, error)
}

// RiskGate is the trade ledger plus the pre-trade checks made against it.
// Losses are accumulated per UTC calendar day, gains never offset them.
type RiskGate struct {
	log    *zap.Logger
	params RiskParameters
	store  TradeStore
	now    func() time.Time

	mu     sync.Mutex
	trades []Trade
}

// NewRiskGate creates a gate, store is optional.
func NewRiskGate(log *zap.Logger, params RiskParameters, store TradeStore) (*RiskGate, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &RiskGate{
		log:    log.Named("risk"),
		params: params,
		store:  store,
		now:    time.Now,
	}, nil
}

func (g *RiskGate) Parameters() RiskParameters {
	return g.params
}

// Validate accepts a position of amount that may lose up to potentialLoss.
func (g *RiskGate) Validate(amount, potentialLoss *big.Int) error {
	if amount.Cmp(g.params.MaxPositionSize) > 0 {
		return ErrPositionSizeExceeded
	}

	g.mu.Lock()
	exposure := g.dailyLossLocked(g.now())
	g.mu.Unlock()

	exposure.Add(exposure, new(big.Int).Abs(potentialLoss))
	if exposure.Cmp(g.params.DailyLossLimit) > 0 {
		return ErrDailyLossExceeded
	}
	return nil
}

// Record appends trade to the ledger. It must be called once per submitted opportunity.
// The in-memory ledger is updated even when persisting fails.
func (g *RiskGate) Record(ctx context.Context, trade Trade) error {
	if trade.ProfitLoss == nil {
		trade.ProfitLoss = new(big.Int)
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = g.now()
	}

	g.mu.Lock()
	g.appendLocked(trade)
	g.mu.Unlock()

	g.log.Info("Recorded trade",
		zap.String("bundleHash", trade.BundleHash.Hex()),
		zap.String("profitLoss", formatUnits(trade.ProfitLoss, "eth")))

	if g.store == nil {
		return nil
	}
	return g.store.InsertTrade(ctx, trade)
}

// DailyLoss is the sum of losses recorded during the UTC day of now, as a positive number.
func (g *RiskGate) DailyLoss(now time.Time) *big.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyLossLocked(now)
}

// Restore loads today's trades from the store.
func (g *RiskGate) Restore(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	trades, err := g.store.TradesSince(ctx, startOfDay(g.now()))
	if err != nil {
		return err
	}

	g.mu.Lock()
	for _, t := range trades {
		g.appendLocked(t)
	}
	loss := g.dailyLossLocked(g.now())
	g.mu.Unlock()

	g.log.Info("Restored trade ledger", zap.Int("trades", len(trades)), zap.String("dailyLoss", formatUnits(loss, "eth")))
	return nil
}

func (g *RiskGate) appendLocked(trade Trade) {
	// older days can never count again
	dayStart := startOfDay(g.now())
	kept := g.trades[:0]
	for _, t := range g.trades {
		if !t.Timestamp.Before(dayStart) {
			kept = append(kept, t)
		}
	}
	g.trades = append(kept, trade)
}

func (g *RiskGate) dailyLossLocked(now time.Time) *big.Int {
	dayStart := startOfDay(now)
	dayEnd := dayStart.Add(24 * time.Hour)
	loss := new(big.Int)
	for _, t := range g.trades {
		if !t.IsLoss() || t.Timestamp.Before(dayStart) || !t.Timestamp.Before(dayEnd) {
			continue
		}
		loss.Sub(loss, t.ProfitLoss)
	}
	return loss
}
