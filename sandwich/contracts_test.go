package sandwich

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestSelectors(t *testing.T) {
	require.Equal(t, "0x3850c7bd", hexutil.Encode(Slot0Call{}.Encode()))
	require.Equal(t, "0x1a686502", hexutil.Encode(LiquidityCall{}.Encode()))
	require.Equal(t, "0xddca3f43", hexutil.Encode(FeeCall{}.Encode()))
}

func TestSlot0Decode(t *testing.T) {
	ret := make([]byte, 7*wordSize)
	price := q96.Bytes32()
	copy(ret, price[:])

	slot0, err := Slot0Call{}.Decode(ret)
	require.NoError(t, err)
	require.Equal(t, q96, slot0.SqrtPriceX96)

	_, err = Slot0Call{}.Decode(ret[:wordSize])
	require.ErrorIs(t, err, ErrInvalidReturnData)
}

func TestFeeDecode(t *testing.T) {
	ret := wordOf(uint256.NewInt(500))
	fee, err := FeeCall{}.Decode(ret)
	require.NoError(t, err)
	require.Equal(t, uint32(500), fee)

	_, err = FeeCall{}.Decode(wordOf(uint256.NewInt(1 << 24)))
	require.ErrorIs(t, err, ErrInvalidReturnData)
}

func TestSwapCallEncoding(t *testing.T) {
	call := SwapCall{
		Pool:         testPool,
		ZeroForOne:   true,
		AmountIn:     uint256.NewInt(5_000),
		MinAmountOut: uint256.NewInt(0),
	}
	data := call.Encode()
	require.Len(t, data, 4+4*wordSize)

	decoded, err := DecodeSwapCall(data)
	require.NoError(t, err)
	require.Equal(t, call.Pool, decoded.Pool)
	require.True(t, decoded.ZeroForOne)
	require.Equal(t, uint64(5_000), decoded.AmountIn.Uint64())

	_, err = DecodeSwapCall(data[:40])
	require.ErrorIs(t, err, ErrInvalidReturnData)
	_, err = DecodeSwapCall(append(common.CopyBytes(Slot0Call{}.Encode()), data[4:]...))
	require.ErrorIs(t, err, ErrInvalidReturnData)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"calldata", ErrCalldataTooShort, KindInputMalformed},
		{"overflow", ErrArithmeticOverflow, KindUnprofitable},
		{"daily loss", fmt.Errorf("validate: %w", ErrDailyLossExceeded), KindRiskRejected},
		{"gas ceiling", ErrGasCeilingExceeded, KindSimulationReverted},
		{"transient", transient(errors.New("dial tcp: connection refused")), KindInfrastructureTransient},
		{"unknown error", errors.New("boom"), KindInfrastructureTransient},
		{"stale wins over transient", errors.Join(ErrVictimResolved, ErrInfrastructureTransient), KindStale},
		{"breaker", ErrCircuitBreakerTripped, KindCircuitBreakerTripped},
		{"relay", ErrNoRelayAccepted, KindRelayRejected},
		{"rejection", reject(StageRisk, ErrPositionSizeExceeded), KindRiskRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	require.True(t, KindInfrastructureTransient.Retryable())
	require.False(t, KindSimulationReverted.Retryable())
}
