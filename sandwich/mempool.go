package sandwich

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/sandwich-searcher/metrics"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PendingTxSource streams pending transaction hashes and resolves them.
type PendingTxSource interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- common.Hash) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// CandidateSink receives matched transactions. txqueue.Queue implements it.
type CandidateSink interface {
	Push(tx *PendingTransaction, maxTargetBlock uint64) error
	CurrentBlock() uint64
}

type MempoolWatcherConfig struct {
	ChainID *big.Int
	// WatchSet maps a watched contract to the pool its swaps move
	WatchSet map[common.Address]common.Address
	// CandidateBlocks is how many blocks after observation a candidate is still worth evaluating
	CandidateBlocks uint64
	SeenTTL         time.Duration
	FetchTimeout    time.Duration
	Fetchers        int
}

var DefaultMempoolWatcherConfig = MempoolWatcherConfig{
	CandidateBlocks: 1,
	SeenTTL:         5 * time.Minute,
	FetchTimeout:    time.Second,
	Fetchers:        16,
}

type MempoolWatcher struct {
	log    *zap.Logger
	source PendingTxSource
	sink   CandidateSink
	cfg    MempoolWatcherConfig
	signer types.Signer
	seen   *gocache.Cache
}

func NewMempoolWatcher(log *zap.Logger, source PendingTxSource, sink CandidateSink, cfg MempoolWatcherConfig) *MempoolWatcher {
	return &MempoolWatcher{
		log:    log.Named("mempool"),
		source: source,
		sink:   sink,
		cfg:    cfg,
		signer: types.LatestSignerForChainID(cfg.ChainID),
		seen:   gocache.New(cfg.SeenTTL, cfg.SeenTTL),
	}
}

// Run keeps a pending transaction subscription open until ctx is done. Transactions
// announced while disconnected are not replayed.
func (w *MempoolWatcher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := w.stream(ctx, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncMempoolReconnects()
		wait := bo.NextBackOff()
		w.log.Warn("Pending transaction stream interrupted, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *MempoolWatcher) stream(ctx context.Context, connected func()) error {
	hashes := make(chan common.Hash, 1024)
	sub, err := w.source.SubscribePendingTransactions(ctx, hashes)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	connected()
	w.log.Info("Subscribed to pending transactions")

	fetchers := new(errgroup.Group)
	fetchers.SetLimit(w.cfg.Fetchers)
	defer func() {
		_ = fetchers.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case hash := <-hashes:
			if _, found := w.seen.Get(hash.Hex()); found {
				continue
			}
			w.seen.SetDefault(hash.Hex(), struct{}{})
			metrics.IncMempoolTxsSeen()
			fetchers.Go(func() error {
				w.fetch(ctx, hash)
				return nil
			})
		}
	}
}

func (w *MempoolWatcher) fetch(ctx context.Context, hash common.Hash) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	tx, pending, err := w.source.TransactionByHash(fetchCtx, hash)
	if err != nil {
		w.log.Debug("Failed to fetch pending transaction", zap.String("hash", hash.Hex()), zap.Error(err))
		return
	}
	if !pending {
		return
	}
	candidate, err := w.Match(tx, time.Now())
	if err != nil {
		w.log.Debug("Dropping malformed transaction", zap.String("hash", hash.Hex()), zap.Error(err))
		return
	}
	if candidate == nil {
		return
	}
	if err := w.sink.Push(candidate, candidate.ObservedBlock+w.cfg.CandidateBlocks); err != nil {
		w.log.Debug("Candidate not queued", zap.String("hash", hash.Hex()), zap.Error(err))
		return
	}
	metrics.IncMempoolCandidates()
}

// Match returns the candidate for tx when it calls a watched contract, nil otherwise.
func (w *MempoolWatcher) Match(tx *types.Transaction, observedAt time.Time) (*PendingTransaction, error) {
	to := tx.To()
	if to == nil {
		return nil, nil
	}
	pool, ok := w.cfg.WatchSet[*to]
	if !ok {
		return nil, nil
	}
	from, err := types.Sender(w.signer, tx)
	if err != nil {
		return nil, ErrInvalidVictimSignature
	}
	return NewPendingTransaction(tx, from, pool, w.sink.CurrentBlock(), observedAt), nil
}
