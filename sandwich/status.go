package sandwich

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/sandwich-searcher/jsonrpcserver"
)

type PendingBundle struct {
	BundleHash     common.Hash    `json:"bundleHash"`
	VictimHash     common.Hash    `json:"victimHash"`
	Pool           common.Address `json:"pool"`
	TargetBlock    hexutil.Uint64 `json:"targetBlock"`
	ExpectedProfit *hexutil.Big   `json:"expectedProfit"`
	AcceptedBy     []string       `json:"acceptedBy"`
	SubmittedAt    int64          `json:"submittedAt"`
}

type SearcherStatus struct {
	Tripped          bool           `json:"tripped"`
	DailyLoss        *hexutil.Big   `json:"dailyLoss"`
	DailyLossLimit   *hexutil.Big   `json:"dailyLossLimit"`
	LastBreakerCheck int64          `json:"lastBreakerCheck"`
	LatestBlock      hexutil.Uint64 `json:"latestBlock"`
	QueuedCandidates int            `json:"queuedCandidates"`
	PendingBundles   int            `json:"pendingBundles"`
}

type QueueLengther interface {
	Len() int
}

// StatusAPI is the read-only view of a running searcher served over JSON-RPC.
type StatusAPI struct {
	risk      *RiskGate
	breaker   *CircuitBreaker
	pools     *PoolStateCache
	queue     QueueLengther
	inclusion *InclusionTracker
	now       func() time.Time
}

func NewStatusAPI(risk *RiskGate, breaker *CircuitBreaker, pools *PoolStateCache, queue QueueLengther, inclusion *InclusionTracker) *StatusAPI {
	return &StatusAPI{
		risk:      risk,
		breaker:   breaker,
		pools:     pools,
		queue:     queue,
		inclusion: inclusion,
		now:       time.Now,
	}
}

func (a *StatusAPI) Status(ctx context.Context) (*SearcherStatus, error) {
	var lastCheck int64
	if t := a.breaker.LastCheck(); !t.IsZero() {
		lastCheck = t.UnixMilli()
	}
	return &SearcherStatus{
		Tripped:          a.breaker.Allow() != nil,
		DailyLoss:        (*hexutil.Big)(a.risk.DailyLoss(a.now())),
		DailyLossLimit:   (*hexutil.Big)(new(big.Int).Set(a.risk.Parameters().DailyLossLimit)),
		LastBreakerCheck: lastCheck,
		LatestBlock:      hexutil.Uint64(a.pools.LatestBlock()),
		QueuedCandidates: a.queue.Len(),
		PendingBundles:   a.inclusion.Pending(),
	}, nil
}

func (a *StatusAPI) PendingBundles(ctx context.Context) ([]PendingBundle, error) {
	return a.inclusion.PendingBundles(), nil
}

func (a *StatusAPI) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		"searcher_status":         a.Status,
		"searcher_pendingBundles": a.PendingBundles,
	}
}
