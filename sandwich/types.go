package sandwich

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var ErrInvalidPoolState = fmt.Errorf("%w: invalid pool state", ErrInputMalformed)

// Stage names a step of the opportunity pipeline.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageSizing     Stage = "sizing"
	StageRisk       Stage = "risk"
	StageSimulation Stage = "simulation"
	StageBuild      Stage = "build"
	StageSubmission Stage = "submission"
)

var (
	q96  = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
	q192 = new(uint256.Int).Lsh(uint256.NewInt(1), 192)
)

// PendingTransaction is a mempool transaction touching a watched contract.
// It is immutable once observed.
type PendingTransaction struct {
	Hash          common.Hash
	From          common.Address
	To            common.Address
	Pool          common.Address
	Data          []byte
	Value         *big.Int
	GasPrice      *big.Int
	GasLimit      uint64
	ObservedAt    time.Time
	ObservedBlock uint64

	tx *types.Transaction
}

func NewPendingTransaction(tx *types.Transaction, from, pool common.Address, observedBlock uint64, observedAt time.Time) *PendingTransaction {
	var to common.Address
	if tx.To() != nil {
		to = *tx.To()
	}
	return &PendingTransaction{
		Hash:          tx.Hash(),
		From:          from,
		To:            to,
		Pool:          pool,
		Data:          common.CopyBytes(tx.Data()),
		Value:         new(big.Int).Set(tx.Value()),
		GasPrice:      new(big.Int).Set(tx.GasFeeCap()),
		GasLimit:      tx.Gas(),
		ObservedAt:    observedAt,
		ObservedBlock: observedBlock,
		tx:            tx,
	}
}

// Transaction returns the transaction exactly as observed in the mempool.
func (p *PendingTransaction) Transaction() *types.Transaction {
	return p.tx
}

// RawBytes returns the signed payload of the victim, never re-signed.
func (p *PendingTransaction) RawBytes() ([]byte, error) {
	if p.tx == nil {
		return nil, fmt.Errorf("%w: pending transaction %s has no payload", ErrInputMalformed, p.Hash.Hex())
	}
	return p.tx.MarshalBinary()
}

// PoolState is a snapshot of a concentrated liquidity pool. Callers always receive copies.
type PoolState struct {
	Address      common.Address
	SqrtPriceX96 *uint256.Int
	Liquidity    *uint256.Int
	Fee          uint32
	BlockNumber  uint64
	UpdatedAt    time.Time
	// Age is filled when the snapshot is handed out by the cache.
	Age time.Duration
}

func (p PoolState) Copy() PoolState {
	c := p
	if p.SqrtPriceX96 != nil {
		c.SqrtPriceX96 = p.SqrtPriceX96.Clone()
	}
	if p.Liquidity != nil {
		c.Liquidity = p.Liquidity.Clone()
	}
	return c
}

// Reserves derives virtual reserves from liquidity and the Q96 square root price:
// reserve0 = L * 2^96 / sqrtP, reserve1 = L * sqrtP / 2^96.
func (p PoolState) Reserves() (reserve0, reserve1 *uint256.Int, err error) {
	if p.SqrtPriceX96 == nil || p.Liquidity == nil || p.SqrtPriceX96.IsZero() {
		return nil, nil, ErrInvalidPoolState
	}
	reserve0, overflow := new(uint256.Int).MulDivOverflow(p.Liquidity, q96, p.SqrtPriceX96)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	reserve1, overflow = new(uint256.Int).MulDivOverflow(p.Liquidity, p.SqrtPriceX96, q96)
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	return reserve0, reserve1, nil
}

// SqrtPriceFromReserves is the inverse of Reserves: sqrt(reserve1 * 2^192 / reserve0).
func SqrtPriceFromReserves(reserve0, reserve1 *uint256.Int) (*uint256.Int, error) {
	if reserve0 == nil || reserve1 == nil || reserve0.IsZero() {
		return nil, ErrInvalidPoolState
	}
	priceX192, overflow := new(uint256.Int).MulDivOverflow(reserve1, q192, reserve0)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return new(uint256.Int).Sqrt(priceX192), nil
}

// GasQuote is an immutable view of the latest observed fee market.
type GasQuote struct {
	BlockNumber    uint64
	BlockTimestamp uint64
	BaseFee        *big.Int
	PriorityFee    *big.Int
	GasLimit       uint64
	UpdatedAt      time.Time
}

// Opportunity is a sized sandwich candidate, consumed within one pipeline pass.
type Opportunity struct {
	Victim *PendingTransaction
	Pool   PoolState
	Gas    GasQuote

	TargetAmount  *uint256.Int
	Frontrun      *uint256.Int
	Backrun       *uint256.Int
	GrossProfit   *uint256.Int
	GasCost       *uint256.Int
	NetProfit     *uint256.Int
	PotentialLoss *uint256.Int
}

// TargetBlock is the block the opportunity was sized for.
func (o *Opportunity) TargetBlock() uint64 {
	return o.Pool.BlockNumber + 1
}

// Trade is an append-only ledger entry. Negative ProfitLoss is a loss.
type Trade struct {
	Timestamp  time.Time
	ProfitLoss *big.Int
	BundleHash common.Hash
}

func (t Trade) IsLoss() bool {
	return t.ProfitLoss != nil && t.ProfitLoss.Sign() < 0
}

// RiskParameters are loaded once and never change for the lifetime of the process.
type RiskParameters struct {
	MaxPositionSize *big.Int
	MaxLossPercent  uint8
	MinProfitRatio  decimal.Decimal
	DailyLossLimit  *big.Int
}

var ErrInvalidRiskParameters = errors.New("invalid risk parameters")

func (r RiskParameters) Validate() error {
	if r.MaxPositionSize == nil || r.MaxPositionSize.Sign() <= 0 {
		return fmt.Errorf("%w: max position size must be positive", ErrInvalidRiskParameters)
	}
	if r.DailyLossLimit == nil || r.DailyLossLimit.Sign() < 0 {
		return fmt.Errorf("%w: daily loss limit must not be negative", ErrInvalidRiskParameters)
	}
	if r.MaxLossPercent > 100 {
		return fmt.Errorf("%w: max loss percent above 100", ErrInvalidRiskParameters)
	}
	if r.MinProfitRatio.IsNegative() {
		return fmt.Errorf("%w: min profit ratio is negative", ErrInvalidRiskParameters)
	}
	return nil
}
