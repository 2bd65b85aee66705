package sandwich

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DefaultSlippageDenominator makes slippage tolerance per mille.
const DefaultSlippageDenominator = 1000

const (
	// pool fee tiers are expressed in hundredths of a bip
	feeDenominator = 1_000_000
)

// TargetAmount reads the victim's swap input from the first calldata word.
func TargetAmount(data []byte) (*uint256.Int, error) {
	if len(data) < wordSize {
		return nil, ErrCalldataTooShort
	}
	return new(uint256.Int).SetBytes(data[:wordSize]), nil
}

// SizingStrategy decides how much to trade on each leg given the victim's input.
type SizingStrategy interface {
	Size(target *uint256.Int, pool PoolState) (frontrun, backrun *uint256.Int, err error)
}

// FixedMultipleStrategy frontruns a fixed fraction of the victim and unwinds with a
// fixed multiple of the frontrun: frontrun = target * SlippageTolerance / SlippageDenominator.
// It does not look at pool depth.
type FixedMultipleStrategy struct {
	SlippageTolerance uint64
	// SlippageDenominator of 0 means DefaultSlippageDenominator
	SlippageDenominator uint64
	BackrunMultiple     uint64
}

func NewFixedMultipleStrategy(slippageTolerance uint64) FixedMultipleStrategy {
	return FixedMultipleStrategy{SlippageTolerance: slippageTolerance, SlippageDenominator: DefaultSlippageDenominator, BackrunMultiple: 2}
}

func (s FixedMultipleStrategy) denominator() uint64 {
	if s.SlippageDenominator == 0 {
		return DefaultSlippageDenominator
	}
	return s.SlippageDenominator
}

func (s FixedMultipleStrategy) Size(target *uint256.Int, _ PoolState) (frontrun, backrun *uint256.Int, err error) {
	frontrun, overflow := new(uint256.Int).MulDivOverflow(target, uint256.NewInt(s.SlippageTolerance), uint256.NewInt(s.denominator()))
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	backrun, overflow = new(uint256.Int).MulOverflow(frontrun, uint256.NewInt(s.BackrunMultiple))
	if overflow {
		return nil, nil, ErrArithmeticOverflow
	}
	return frontrun, backrun, nil
}

type Sizer struct {
	strategy SizingStrategy
	gas      GasPolicy
	risk     RiskParameters
}

func NewSizer(strategy SizingStrategy, gas GasPolicy, risk RiskParameters) *Sizer {
	return &Sizer{strategy: strategy, gas: gas, risk: risk}
}

// Size turns a victim into a sized opportunity or rejects it. The victim is assumed to
// swap token0 for token1, so reserve0 is the input side.
func (s *Sizer) Size(victim *PendingTransaction, pool PoolState, gas GasQuote) (*Opportunity, error) {
	target, err := TargetAmount(victim.Data)
	if err != nil {
		return nil, err
	}
	if target.IsZero() {
		return nil, ErrZeroAmount
	}

	frontrun, backrun, err := s.strategy.Size(target, pool)
	if err != nil {
		return nil, err
	}
	if frontrun.IsZero() {
		return nil, ErrZeroAmount
	}

	reserveIn, _, err := pool.Reserves()
	if err != nil {
		return nil, err
	}
	if reserveIn.IsZero() {
		return nil, ErrInvalidPoolState
	}

	gross, err := s.grossProfit(frontrun, target, reserveIn, pool.Fee)
	if err != nil {
		return nil, err
	}
	gasCost, err := gas.GasCost(s.gas.EstimatedGasUnits, s.gas.BaseFeeBufferPercent)
	if err != nil {
		return nil, err
	}

	if gross.Lt(gasCost) {
		return nil, ErrBelowMinProfit
	}
	net := new(uint256.Int).Sub(gross, gasCost)
	required := decimal.NewFromBigInt(gasCost.ToBig(), 0).Mul(s.risk.MinProfitRatio).Ceil().BigInt()
	if net.ToBig().Cmp(required) < 0 {
		return nil, ErrBelowMinProfit
	}

	potentialLoss, err := s.potentialLoss(frontrun, gasCost)
	if err != nil {
		return nil, err
	}

	return &Opportunity{
		Victim:        victim,
		Pool:          pool,
		Gas:           gas,
		TargetAmount:  target,
		Frontrun:      frontrun,
		Backrun:       backrun,
		GrossProfit:   gross,
		GasCost:       gasCost,
		NetProfit:     net,
		PotentialLoss: potentialLoss,
	}, nil
}

// grossProfit estimates the price impact captured by the frontrun,
// frontrun * target / reserveIn, minus the pool fee paid on both legs.
func (s *Sizer) grossProfit(frontrun, target, reserveIn *uint256.Int, fee uint32) (*uint256.Int, error) {
	impact, overflow := new(uint256.Int).MulDivOverflow(frontrun, target, reserveIn)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	feeCost, overflow := new(uint256.Int).MulDivOverflow(frontrun, uint256.NewInt(2*uint64(fee)), uint256.NewInt(feeDenominator))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	if impact.Lt(feeCost) {
		return new(uint256.Int), nil
	}
	return impact.Sub(impact, feeCost), nil
}

// potentialLoss bounds what a failed sandwich can cost: the configured share of
// the frontrun plus the gas spent.
func (s *Sizer) potentialLoss(frontrun, gasCost *uint256.Int) (*uint256.Int, error) {
	loss, overflow := new(uint256.Int).MulDivOverflow(frontrun, uint256.NewInt(uint64(s.risk.MaxLossPercent)), uint256.NewInt(100))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	if _, overflow = loss.AddOverflow(loss, gasCost); overflow {
		return nil, ErrArithmeticOverflow
	}
	return loss, nil
}

func uint256ToBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}
