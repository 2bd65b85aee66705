package sandwich

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/sandwich-searcher/metrics"
	"github.com/flashbots/sandwich-searcher/txqueue"
	"go.uber.org/zap"
)

var ErrCandidateExpired = fmt.Errorf("%w: candidate window has passed", ErrStale)

type PoolSource interface {
	Get(pool common.Address) (PoolState, error)
	Superseded(snapshot PoolState) bool
}

type GasSource interface {
	Quote() (GasQuote, error)
}

type OpportunitySizer interface {
	Size(victim *PendingTransaction, pool PoolState, gas GasQuote) (*Opportunity, error)
}

type RiskValidator interface {
	Validate(amount, potentialLoss *big.Int) error
}

type Simulator interface {
	Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error)
}

type BundleBuilder interface {
	SandwichCalls(opp *Opportunity) []SimCall
	Build(ctx context.Context, opp *Opportunity, sim SimulationResult) (*Bundle, error)
}

type BundleSubmitter interface {
	Submit(ctx context.Context, bundle *Bundle) (SubmitResult, error)
}

// SubmissionGate is consulted before any work is spent and again right before submitting.
type SubmissionGate interface {
	Allow() error
}

type SubmissionTracker interface {
	Submitted(ctx context.Context, record *BundleRecord, submitErr error)
}

// VictimLookup asks the node whether a transaction is still in its mempool.
type VictimLookup interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// PipelineComponents are the stages of the pipeline. TxStatus and Victims are optional.
type PipelineComponents struct {
	Pools     PoolSource
	Gas       GasSource
	Sizer     OpportunitySizer
	Risk      RiskValidator
	Simulator Simulator
	Builder   BundleBuilder
	Relays    BundleSubmitter
	Breaker   SubmissionGate
	Tracker   SubmissionTracker
	TxStatus  TxStatusCache
	Victims   VictimLookup
}

type PipelineConfig struct {
	MaxSnapshotAge    time.Duration
	SimulationTimeout time.Duration
	BuildTimeout      time.Duration
	SubmitTimeout     time.Duration
}

var DefaultPipelineConfig = PipelineConfig{
	MaxSnapshotAge:    12 * time.Second,
	SimulationTimeout: 500 * time.Millisecond,
	BuildTimeout:      300 * time.Millisecond,
	SubmitTimeout:     time.Second,
}

// Pipeline takes one candidate from intake to submission. Stages run strictly in order
// and candidates on the same pool never overlap.
type Pipeline struct {
	log *zap.Logger
	c   PipelineComponents
	cfg PipelineConfig
	now func() time.Time

	mu        sync.Mutex
	poolLocks map[common.Address]*sync.Mutex
}

func NewPipeline(log *zap.Logger, components PipelineComponents, cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		log:       log.Named("pipeline"),
		c:         components,
		cfg:       cfg,
		now:       time.Now,
		poolLocks: make(map[common.Address]*sync.Mutex),
	}
}

var _ txqueue.ProcessFunc[*PendingTransaction] = (*Pipeline)(nil).Process

func (p *Pipeline) poolLock(pool common.Address) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.poolLocks[pool]
	if !ok {
		l = new(sync.Mutex)
		p.poolLocks[pool] = l
	}
	return l
}

// Process evaluates victim and submits a bundle around it when every stage passes.
// Any other outcome is returned as a *Rejection, logged and counted exactly once.
func (p *Pipeline) Process(ctx context.Context, victim *PendingTransaction, info txqueue.ItemInfo) (err error) {
	lock := p.poolLock(victim.Pool)
	lock.Lock()
	defer lock.Unlock()

	log := p.log.With(zap.String("victim", victim.Hash.Hex()), zap.String("pool", victim.Pool.Hex()))
	metrics.RecordCandidateAge(msSince(victim.ObservedAt))
	defer func() {
		var r *Rejection
		if errors.As(err, &r) {
			metrics.IncRejection(r.Kind.String(), string(r.Stage))
			log.Debug("Candidate rejected", zap.String("kind", r.Kind.String()), zap.String("stage", string(r.Stage)), zap.Error(r.Err))
		}
	}()

	start := p.now()
	if err := p.c.Breaker.Allow(); err != nil {
		return reject(StageIntake, err)
	}
	if err := p.checkVictim(ctx, log, victim); err != nil {
		return reject(StageIntake, err)
	}
	pool, err := p.c.Pools.Get(victim.Pool)
	if err != nil {
		return reject(StageIntake, err)
	}
	if p.cfg.MaxSnapshotAge > 0 && pool.Age > p.cfg.MaxSnapshotAge {
		return reject(StageIntake, ErrPoolSnapshotTooOld)
	}
	if p.c.Pools.Superseded(pool) {
		return reject(StageIntake, ErrPoolSuperseded)
	}
	if info.MaxTargetBlock != 0 && pool.BlockNumber+1 > info.MaxTargetBlock {
		return reject(StageIntake, ErrCandidateExpired)
	}
	gas, err := p.c.Gas.Quote()
	if err != nil {
		return reject(StageIntake, err)
	}
	start = p.stageDone(StageIntake, start)

	opp, err := p.c.Sizer.Size(victim, pool, gas)
	if err != nil {
		return reject(StageSizing, err)
	}
	metrics.IncOpportunitiesSized()
	start = p.stageDone(StageSizing, start)

	if err := p.c.Risk.Validate(uint256ToBig(opp.Frontrun), uint256ToBig(opp.PotentialLoss)); err != nil {
		return reject(StageRisk, err)
	}
	start = p.stageDone(StageRisk, start)

	if err := p.checkFresh(ctx, log, victim, pool); err != nil {
		return reject(StageSimulation, err)
	}
	simCtx, cancel := context.WithTimeout(ctx, p.cfg.SimulationTimeout)
	sim, err := p.c.Simulator.Simulate(simCtx, SimulationRequest{
		StateBlock: pool.BlockNumber,
		Calls:      p.c.Builder.SandwichCalls(opp),
	})
	cancel()
	if err != nil {
		return reject(StageSimulation, stageTimeout(err))
	}
	if err := sim.Err(); err != nil {
		return reject(StageSimulation, err)
	}
	start = p.stageDone(StageSimulation, start)

	buildCtx, cancel := context.WithTimeout(ctx, p.cfg.BuildTimeout)
	bundle, err := p.c.Builder.Build(buildCtx, opp, sim)
	cancel()
	if err != nil {
		return reject(StageBuild, stageTimeout(err))
	}
	start = p.stageDone(StageBuild, start)

	if err := p.checkFresh(ctx, log, victim, pool); err != nil {
		return reject(StageSubmission, err)
	}
	if err := p.c.Breaker.Allow(); err != nil {
		return reject(StageSubmission, err)
	}
	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	if err := p.checkPending(submitCtx, log, victim); err != nil {
		cancel()
		return reject(StageSubmission, err)
	}
	result, err := p.c.Relays.Submit(submitCtx, bundle)
	cancel()
	p.c.Tracker.Submitted(ctx, NewBundleRecord(bundle, opp, sim, result, p.now()), err)
	if err != nil {
		return reject(StageSubmission, stageTimeout(err))
	}
	p.stageDone(StageSubmission, start)

	log.Info("Bundle submitted",
		zap.String("bundleHash", bundle.Hash().Hex()),
		zap.Uint64("targetBlock", bundle.TargetBlock()),
		zap.String("expectedProfit", formatUnits(uint256ToBig(opp.NetProfit), "eth")),
		zap.Strings("relays", result.AcceptedBy))
	return nil
}

func (p *Pipeline) stageDone(stage Stage, start time.Time) time.Time {
	now := p.now()
	metrics.RecordStageDuration(string(stage), now.Sub(start).Milliseconds())
	return now
}

// checkFresh verifies that neither the victim nor the pool snapshot moved since intake.
func (p *Pipeline) checkFresh(ctx context.Context, log *zap.Logger, victim *PendingTransaction, pool PoolState) error {
	if p.c.Pools.Superseded(pool) {
		return ErrPoolSuperseded
	}
	return p.checkVictim(ctx, log, victim)
}

// checkVictim consults the tx status cache. The cache is advisory: when it cannot be
// reached the candidate goes on and the relays are left to drop a mined victim.
func (p *Pipeline) checkVictim(ctx context.Context, log *zap.Logger, victim *PendingTransaction) error {
	if p.c.TxStatus == nil {
		return nil
	}
	resolved, err := p.c.TxStatus.IsResolved(ctx, victim.Hash)
	if err != nil {
		log.Debug("Tx status unavailable", zap.Error(err))
		return nil
	}
	if resolved {
		return ErrVictimResolved
	}
	return nil
}

// checkPending asks the node for the victim right before submission, catching victims
// that were dropped or replaced by a same-nonce transaction. Like the status cache it
// is advisory: a lookup failure other than not found lets the candidate through.
func (p *Pipeline) checkPending(ctx context.Context, log *zap.Logger, victim *PendingTransaction) error {
	if p.c.Victims == nil {
		return nil
	}
	_, pending, err := p.c.Victims.TransactionByHash(ctx, victim.Hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return ErrVictimResolved
	case err != nil:
		log.Debug("Victim lookup failed", zap.Error(err))
		return nil
	case !pending:
		if p.c.TxStatus != nil {
			if err := p.c.TxStatus.MarkMined(ctx, []common.Hash{victim.Hash}); err != nil {
				log.Debug("Failed to mark victim mined", zap.Error(err))
			}
		}
		return ErrVictimResolved
	}
	return nil
}

func stageTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStageTimeout) {
		return fmt.Errorf("%w: %w", ErrStageTimeout, err)
	}
	return err
}
