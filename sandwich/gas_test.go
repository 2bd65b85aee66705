package sandwich

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestGasOracle(t *testing.T) {
	o := NewGasOracle()
	_, err := o.Quote()
	require.ErrorIs(t, err, ErrNoGasQuote)
	require.Equal(t, KindStale, KindOf(err))

	o.Update(testGasQuote())
	q, err := o.Quote()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50), q.BaseFee)

	// readers cannot change what other readers see
	q.BaseFee.SetInt64(1)
	again, err := o.Quote()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(50), again.BaseFee)
}

func TestQuoteFromHeader(t *testing.T) {
	now := time.Now()
	header := &types.Header{Number: big.NewInt(100), Time: 1_700_000_000, GasLimit: 30_000_000, BaseFee: big.NewInt(50)}

	tests := []struct {
		name     string
		tip      *big.Int
		maxTip   *big.Int
		expected *big.Int
	}{
		{"node tip", big.NewInt(7), nil, big.NewInt(7)},
		{"capped", big.NewInt(7), big.NewInt(3), big.NewInt(3)},
		{"below cap", big.NewInt(2), big.NewInt(3), big.NewInt(2)},
		{"no tip", nil, nil, new(big.Int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := QuoteFromHeader(header, tt.tip, tt.maxTip, now)
			require.Zero(t, q.PriorityFee.Cmp(tt.expected))
			require.Equal(t, uint64(100), q.BlockNumber)
			require.Equal(t, uint64(30_000_000), q.GasLimit)
			require.Equal(t, big.NewInt(50), q.BaseFee)
		})
	}
}

func TestGasQuoteFees(t *testing.T) {
	q := testGasQuote()

	feeCap, tip := q.FrontrunFees(10)
	// 50 * 110 / 100 + 5
	require.Equal(t, big.NewInt(60), feeCap)
	require.Equal(t, big.NewInt(5), tip)

	cost, err := q.GasCost(1_000, 10)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(60_000), cost)

	q.BaseFee = new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = q.GasCost(1, 10)
	require.ErrorIs(t, err, ErrArithmeticOverflow)
}
