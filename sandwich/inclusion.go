package sandwich

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/sandwich-searcher/metrics"
	"go.uber.org/zap"
)

type BundleStatus string

const (
	BundleStatusSubmitted   BundleStatus = "submitted"
	BundleStatusRejected    BundleStatus = "rejected"
	BundleStatusIncluded    BundleStatus = "included"
	BundleStatusNotIncluded BundleStatus = "not_included"
)

// maxResolveDelay is how many blocks past the target a bundle may wait for its receipts
// when the node keeps failing, before it is written off as not included.
const maxResolveDelay = 3

// BundleRecord follows one submitted bundle until its outcome is known.
type BundleRecord struct {
	Bundle      *Bundle
	Opportunity *Opportunity
	SimGasUsed  uint64
	AcceptedBy  []string
	Status      BundleStatus
	SubmittedAt time.Time
}

func NewBundleRecord(bundle *Bundle, opp *Opportunity, sim SimulationResult, result SubmitResult, submittedAt time.Time) *BundleRecord {
	return &BundleRecord{
		Bundle:      bundle,
		Opportunity: opp,
		SimGasUsed:  sim.GasUsed,
		AcceptedBy:  append([]string(nil), result.AcceptedBy...),
		Status:      BundleStatusSubmitted,
		SubmittedAt: submittedAt,
	}
}

func (r *BundleRecord) acceptedBy() string {
	return strings.Join(r.AcceptedBy, ",")
}

// BundleStore keeps an audit log of submitted bundles.
type BundleStore interface {
	InsertBundle(ctx context.Context, record *BundleRecord) error
	UpdateBundleOutcome(ctx context.Context, hash common.Hash, status BundleStatus, realized *big.Int) error
}

// BundleEvent is published on every bundle status change.
type BundleEvent struct {
	BundleHash     common.Hash    `json:"bundleHash"`
	VictimHash     common.Hash    `json:"victimHash"`
	Pool           common.Address `json:"pool"`
	TargetBlock    hexutil.Uint64 `json:"targetBlock"`
	Status         BundleStatus   `json:"status"`
	ExpectedProfit *hexutil.Big   `json:"expectedProfit"`
	RealizedProfit *hexutil.Big   `json:"realizedProfit,omitempty"`
	AcceptedBy     []string       `json:"acceptedBy,omitempty"`
	Timestamp      int64          `json:"timestamp"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event *BundleEvent) error
}

type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// TradeRecorder is the ledger every resolved bundle is written to. RiskGate implements it.
type TradeRecorder interface {
	Record(ctx context.Context, trade Trade) error
}

// InclusionTracker resolves submitted bundles into exactly one ledger entry each.
type InclusionTracker struct {
	log      *zap.Logger
	receipts ReceiptSource
	recorder TradeRecorder
	store    BundleStore
	events   EventPublisher
	now      func() time.Time

	mu      sync.Mutex
	pending map[common.Hash]*BundleRecord
}

// NewInclusionTracker creates a tracker, store and events are optional.
func NewInclusionTracker(log *zap.Logger, receipts ReceiptSource, recorder TradeRecorder, store BundleStore, events EventPublisher) *InclusionTracker {
	return &InclusionTracker{
		log:      log.Named("inclusion"),
		receipts: receipts,
		recorder: recorder,
		store:    store,
		events:   events,
		now:      time.Now,
		pending:  make(map[common.Hash]*BundleRecord),
	}
}

// Submitted takes over a bundle after submission. A bundle no relay accepted is
// recorded right away with zero P&L, accepted ones wait for their target block.
func (t *InclusionTracker) Submitted(ctx context.Context, record *BundleRecord, submitErr error) {
	if submitErr != nil {
		record.Status = BundleStatusRejected
	} else {
		record.Status = BundleStatusSubmitted
	}
	if t.store != nil {
		if err := t.store.InsertBundle(ctx, record); err != nil {
			t.log.Warn("Failed to store bundle", zap.String("bundleHash", record.Bundle.Hash().Hex()), zap.Error(err))
		}
	}

	if submitErr != nil {
		t.resolve(ctx, record, BundleStatusRejected, new(big.Int))
		return
	}
	t.publish(ctx, record, nil)

	t.mu.Lock()
	t.pending[record.Bundle.Hash()] = record
	t.mu.Unlock()
}

// OnBlock resolves every pending bundle targeting number or earlier.
func (t *InclusionTracker) OnBlock(ctx context.Context, number uint64) {
	t.mu.Lock()
	var due []*BundleRecord
	for hash, record := range t.pending {
		if record.Bundle.TargetBlock() <= number {
			due = append(due, record)
			delete(t.pending, hash)
		}
	}
	t.mu.Unlock()

	for _, record := range due {
		status, realized, err := t.outcome(ctx, record)
		if err != nil {
			if number < record.Bundle.TargetBlock()+maxResolveDelay && ctx.Err() == nil {
				t.log.Debug("Bundle outcome unknown, retrying on next block", zap.String("bundleHash", record.Bundle.Hash().Hex()), zap.Error(err))
				t.mu.Lock()
				t.pending[record.Bundle.Hash()] = record
				t.mu.Unlock()
				continue
			}
			t.log.Warn("Giving up on bundle outcome", zap.String("bundleHash", record.Bundle.Hash().Hex()), zap.Error(err))
			status, realized = BundleStatusNotIncluded, new(big.Int)
		}
		t.resolve(ctx, record, status, realized)
	}
}

// Drain resolves every bundle still pending against the receipts available now.
func (t *InclusionTracker) Drain(ctx context.Context) {
	t.mu.Lock()
	var last uint64
	for _, record := range t.pending {
		if b := record.Bundle.TargetBlock() + maxResolveDelay; b > last {
			last = b
		}
	}
	t.mu.Unlock()
	t.OnBlock(ctx, last)
}

func (t *InclusionTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// PendingBundles describes the bundles still waiting for their outcome, earliest target first.
func (t *InclusionTracker) PendingBundles() []PendingBundle {
	t.mu.Lock()
	bundles := make([]PendingBundle, 0, len(t.pending))
	for _, record := range t.pending {
		bundles = append(bundles, PendingBundle{
			BundleHash:     record.Bundle.Hash(),
			VictimHash:     record.Bundle.VictimHash(),
			Pool:           record.Opportunity.Pool.Address,
			TargetBlock:    hexutil.Uint64(record.Bundle.TargetBlock()),
			ExpectedProfit: (*hexutil.Big)(uint256ToBig(record.Opportunity.NetProfit)),
			AcceptedBy:     append([]string(nil), record.AcceptedBy...),
			SubmittedAt:    record.SubmittedAt.UnixMilli(),
		})
	}
	t.mu.Unlock()
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].TargetBlock != bundles[j].TargetBlock {
			return bundles[i].TargetBlock < bundles[j].TargetBlock
		}
		return bundles[i].SubmittedAt < bundles[j].SubmittedAt
	})
	return bundles
}

// outcome reads the searcher legs' receipts. Realized P&L is the expected gross minus the
// gas actually paid, or minus the gas alone when a leg reverted on chain.
func (t *InclusionTracker) outcome(ctx context.Context, record *BundleRecord) (BundleStatus, *big.Int, error) {
	paid := new(big.Int)
	success := true
	for _, tx := range []*types.Transaction{record.Bundle.Frontrun(), record.Bundle.Backrun()} {
		receipt, err := t.receipts.TransactionReceipt(ctx, tx.Hash())
		if errors.Is(err, ethereum.NotFound) {
			return BundleStatusNotIncluded, new(big.Int), nil
		}
		if err != nil {
			return "", nil, err
		}
		price := receipt.EffectiveGasPrice
		if price == nil {
			price = tx.GasFeeCap()
		}
		paid.Add(paid, new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price))
		if receipt.Status != types.ReceiptStatusSuccessful {
			success = false
		}
	}

	realized := new(big.Int).Neg(paid)
	if success {
		realized.Add(realized, uint256ToBig(record.Opportunity.GrossProfit))
	}
	return BundleStatusIncluded, realized, nil
}

func (t *InclusionTracker) resolve(ctx context.Context, record *BundleRecord, status BundleStatus, realized *big.Int) {
	record.Status = status
	hash := record.Bundle.Hash()
	log := t.log.With(zap.String("bundleHash", hash.Hex()), zap.String("status", string(status)))

	if status == BundleStatusIncluded {
		metrics.IncBundlesIncluded()
	}
	err := t.recorder.Record(ctx, Trade{Timestamp: t.now(), ProfitLoss: realized, BundleHash: hash})
	if err != nil {
		log.Error("Failed to persist trade", zap.Error(err))
	}
	if t.store != nil {
		if err := t.store.UpdateBundleOutcome(ctx, hash, status, realized); err != nil {
			log.Warn("Failed to store bundle outcome", zap.Error(err))
		}
	}
	t.publish(ctx, record, realized)
	log.Info("Bundle resolved", zap.String("profitLoss", formatUnits(realized, "eth")))
}

func (t *InclusionTracker) publish(ctx context.Context, record *BundleRecord, realized *big.Int) {
	if t.events == nil {
		return
	}
	event := &BundleEvent{
		BundleHash:     record.Bundle.Hash(),
		VictimHash:     record.Bundle.VictimHash(),
		Pool:           record.Opportunity.Pool.Address,
		TargetBlock:    hexutil.Uint64(record.Bundle.TargetBlock()),
		Status:         record.Status,
		ExpectedProfit: (*hexutil.Big)(uint256ToBig(record.Opportunity.NetProfit)),
		AcceptedBy:     record.AcceptedBy,
		Timestamp:      t.now().UnixMilli(),
	}
	if realized != nil {
		event.RealizedProfit = (*hexutil.Big)(realized)
	}
	if err := t.events.Publish(ctx, event); err != nil {
		t.log.Warn("Failed to publish bundle event", zap.String("bundleHash", event.BundleHash.Hex()), zap.Error(err))
	}
}
