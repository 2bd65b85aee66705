package sandwich

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	testPool   = common.HexToAddress("0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640")
	testRouter = common.HexToAddress("0x68b3465833fb72a70ecdf485e0e4c7bd8665fc45")
	testVictim = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func newTestVictim(t *testing.T, data []byte) *PendingTransaction {
	t.Helper()
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     7,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(100),
		Gas:       200_000,
		To:        &testRouter,
		Value:     big.NewInt(0),
		Data:      data,
	})
	return NewPendingTransaction(tx, testVictim, testPool, 100, time.Now())
}

func calldataWithAmount(amount uint64) []byte {
	w := uint256.NewInt(amount).Bytes32()
	return append(w[:], make([]byte, 64)...)
}

func TestPoolStateReserves(t *testing.T) {
	pool := PoolState{
		Address:      testPool,
		SqrtPriceX96: new(uint256.Int).Set(q96),
		Liquidity:    uint256.NewInt(1_000_000),
	}
	reserve0, reserve1, err := pool.Reserves()
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), reserve0.Uint64())
	require.Equal(t, uint64(1_000_000), reserve1.Uint64())
}

func TestPoolStateReservesInvalid(t *testing.T) {
	_, _, err := PoolState{SqrtPriceX96: new(uint256.Int), Liquidity: uint256.NewInt(1)}.Reserves()
	require.ErrorIs(t, err, ErrInvalidPoolState)
	require.Equal(t, KindInputMalformed, KindOf(err))

	_, _, err = PoolState{SqrtPriceX96: uint256.NewInt(1), Liquidity: uint256.NewInt(1)}.Reserves()
	require.NoError(t, err)

	// L * 2^96 / 1 does not fit once L is above 2^160
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	_, _, err = PoolState{SqrtPriceX96: uint256.NewInt(1), Liquidity: huge}.Reserves()
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}

func TestReservesRoundTrip(t *testing.T) {
	liquidity := uint256.MustFromDecimal("1000000000000000000")
	tests := []struct {
		name      string
		sqrtPrice *uint256.Int
	}{
		{name: "price one", sqrtPrice: new(uint256.Int).Set(q96)},
		{name: "price four", sqrtPrice: new(uint256.Int).Lsh(q96, 1)},
		{name: "price one ninth", sqrtPrice: new(uint256.Int).Div(q96, uint256.NewInt(3))},
		{name: "low price", sqrtPrice: uint256.MustFromDecimal("4339505179874779489431521786")},
		{name: "high price", sqrtPrice: uint256.MustFromDecimal("1771595571142957166518320255467")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := PoolState{SqrtPriceX96: tt.sqrtPrice, Liquidity: liquidity}
			reserve0, reserve1, err := pool.Reserves()
			require.NoError(t, err)

			got, err := SqrtPriceFromReserves(reserve0, reserve1)
			require.NoError(t, err)

			diff := new(big.Int).Sub(got.ToBig(), tt.sqrtPrice.ToBig())
			diff.Abs(diff)
			// relative error below 1e-9
			diff.Mul(diff, big.NewInt(1_000_000_000))
			require.True(t, diff.Cmp(tt.sqrtPrice.ToBig()) <= 0, "got %s want %s", got, tt.sqrtPrice)
		})
	}
}

func TestPoolStateCopyIsIndependent(t *testing.T) {
	pool := PoolState{SqrtPriceX96: uint256.NewInt(10), Liquidity: uint256.NewInt(20)}
	c := pool.Copy()
	c.SqrtPriceX96.SetUint64(11)
	c.Liquidity.SetUint64(21)
	require.Equal(t, uint64(10), pool.SqrtPriceX96.Uint64())
	require.Equal(t, uint64(20), pool.Liquidity.Uint64())
}

func TestPendingTransactionRawBytes(t *testing.T) {
	victim := newTestVictim(t, calldataWithAmount(5))
	raw, err := victim.RawBytes()
	require.NoError(t, err)

	var decoded types.Transaction
	require.NoError(t, decoded.UnmarshalBinary(raw))
	require.Equal(t, victim.Hash, decoded.Hash())

	_, err = (&PendingTransaction{}).RawBytes()
	require.ErrorIs(t, err, ErrInputMalformed)
}

func TestRiskParametersValidate(t *testing.T) {
	valid := testRiskParameters()
	require.NoError(t, valid.Validate())

	noPosition := valid
	noPosition.MaxPositionSize = nil
	require.ErrorIs(t, noPosition.Validate(), ErrInvalidRiskParameters)

	badPercent := valid
	badPercent.MaxLossPercent = 101
	require.ErrorIs(t, badPercent.Validate(), ErrInvalidRiskParameters)
}
