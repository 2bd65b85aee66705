package sandwich

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testPoolState() PoolState {
	return PoolState{
		Address:      testPool,
		SqrtPriceX96: new(uint256.Int).Set(q96),
		Liquidity:    uint256.NewInt(1_000_000),
		Fee:          3000,
		BlockNumber:  100,
	}
}

func testGasQuote() GasQuote {
	return GasQuote{
		BlockNumber:    100,
		BlockTimestamp: 1_700_000_000,
		BaseFee:        big.NewInt(50),
		PriorityFee:    big.NewInt(5),
		GasLimit:       30_000_000,
	}
}

func testSizer(minProfitRatio string) *Sizer {
	risk := testRiskParameters()
	risk.MinProfitRatio = decimal.RequireFromString(minProfitRatio)
	gas := DefaultGasPolicy
	gas.EstimatedGasUnits = 2
	return NewSizer(NewFixedMultipleStrategy(50), gas, risk)
}

func TestTargetAmount(t *testing.T) {
	amount, err := TargetAmount(calldataWithAmount(100_000))
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), amount.Uint64())

	for _, n := range []int{0, 4, 31} {
		_, err := TargetAmount(make([]byte, n))
		require.ErrorIs(t, err, ErrCalldataTooShort)
		require.Equal(t, KindInputMalformed, KindOf(err))
	}
}

func TestFixedMultipleStrategy(t *testing.T) {
	frontrun, backrun, err := NewFixedMultipleStrategy(50).Size(uint256.NewInt(100_000), testPoolState())
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), frontrun.Uint64())
	require.Equal(t, uint64(10_000), backrun.Uint64())

	max := new(uint256.Int).SetAllOne()
	_, _, err = NewFixedMultipleStrategy(50).Size(max, testPoolState())
	require.NoError(t, err, "target * slippage / 1000 fits in 256 bits")

	_, _, err = FixedMultipleStrategy{SlippageTolerance: 1000, BackrunMultiple: 2}.Size(max, testPoolState())
	require.ErrorIs(t, err, ErrArithmeticOverflow)
	require.Equal(t, KindUnprofitable, KindOf(err))
}

func TestFixedMultipleStrategyDenominator(t *testing.T) {
	bps := FixedMultipleStrategy{SlippageTolerance: 50, SlippageDenominator: 10_000, BackrunMultiple: 2}
	frontrun, backrun, err := bps.Size(uint256.NewInt(100_000), testPoolState())
	require.NoError(t, err)
	require.Equal(t, uint64(500), frontrun.Uint64())
	require.Equal(t, uint64(1_000), backrun.Uint64())

	// a zero denominator falls back to per mille
	frontrun, _, err = FixedMultipleStrategy{SlippageTolerance: 50, BackrunMultiple: 2}.Size(uint256.NewInt(100_000), testPoolState())
	require.NoError(t, err)
	require.Equal(t, uint64(5_000), frontrun.Uint64())
}

func TestSizerSize(t *testing.T) {
	victim := newTestVictim(t, calldataWithAmount(100_000))

	opp, err := testSizer("1.5").Size(victim, testPoolState(), testGasQuote())
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), opp.TargetAmount.Uint64())
	require.Equal(t, uint64(5_000), opp.Frontrun.Uint64())
	require.Equal(t, uint64(10_000), opp.Backrun.Uint64())
	// 5000 * 100000 / 1000000 minus 0.3% fee on both legs of 5000
	require.Equal(t, uint64(470), opp.GrossProfit.Uint64())
	// 2 gas * (50 * 110 / 100 + 5)
	require.Equal(t, uint64(120), opp.GasCost.Uint64())
	require.Equal(t, uint64(350), opp.NetProfit.Uint64())
	// 10% of the frontrun plus gas
	require.Equal(t, uint64(620), opp.PotentialLoss.Uint64())
	require.Equal(t, uint64(101), opp.TargetBlock())
	require.Same(t, victim, opp.Victim)
}

func TestSizerRejections(t *testing.T) {
	expensiveGas := testGasQuote()
	expensiveGas.BaseFee = big.NewInt(1_000)

	tests := []struct {
		name     string
		data     []byte
		ratio    string
		gas      GasQuote
		pool     PoolState
		wantErr  error
		wantKind Kind
	}{
		{
			name:     "short calldata",
			data:     make([]byte, 31),
			ratio:    "1",
			gas:      testGasQuote(),
			pool:     testPoolState(),
			wantErr:  ErrCalldataTooShort,
			wantKind: KindInputMalformed,
		},
		{
			name:     "zero amount",
			data:     calldataWithAmount(0),
			ratio:    "1",
			gas:      testGasQuote(),
			pool:     testPoolState(),
			wantErr:  ErrZeroAmount,
			wantKind: KindUnprofitable,
		},
		{
			name:     "gross below gas",
			data:     calldataWithAmount(100_000),
			ratio:    "0",
			gas:      expensiveGas,
			pool:     testPoolState(),
			wantErr:  ErrBelowMinProfit,
			wantKind: KindUnprofitable,
		},
		{
			name:     "net below min profit ratio",
			data:     calldataWithAmount(100_000),
			ratio:    "3",
			gas:      testGasQuote(),
			pool:     testPoolState(),
			wantErr:  ErrBelowMinProfit,
			wantKind: KindUnprofitable,
		},
		{
			name:     "invalid pool",
			data:     calldataWithAmount(100_000),
			ratio:    "1",
			gas:      testGasQuote(),
			pool:     PoolState{SqrtPriceX96: new(uint256.Int), Liquidity: uint256.NewInt(1)},
			wantErr:  ErrInvalidPoolState,
			wantKind: KindInputMalformed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp, err := testSizer(tt.ratio).Size(newTestVictim(t, tt.data), tt.pool, tt.gas)
			require.Nil(t, opp)
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

type halfStrategy struct{}

func (halfStrategy) Size(target *uint256.Int, _ PoolState) (*uint256.Int, *uint256.Int, error) {
	frontrun := new(uint256.Int).Rsh(target, 1)
	return frontrun, frontrun.Clone(), nil
}

func TestSizerUsesStrategy(t *testing.T) {
	gas := DefaultGasPolicy
	gas.EstimatedGasUnits = 1
	risk := testRiskParameters()
	risk.MinProfitRatio = decimal.Zero
	sizer := NewSizer(halfStrategy{}, gas, risk)

	opp, err := sizer.Size(newTestVictim(t, calldataWithAmount(100_000)), testPoolState(), testGasQuote())
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), opp.Frontrun.Uint64())
	require.Equal(t, uint64(50_000), opp.Backrun.Uint64())
}
