package sandwich

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Typed encoders/decoders for the handful of contract calls on the hot path.
// Each call has a fixed layout, so no ABI is loaded at runtime.

const wordSize = 32

var ErrInvalidReturnData = fmt.Errorf("%w: unexpected contract return data", ErrInputMalformed)

var (
	selectorSlot0     = selector("slot0()")
	selectorLiquidity = selector("liquidity()")
	selectorFee       = selector("fee()")
	selectorSwap      = selector("swap(address,bool,uint256,uint256)")
)

func selector(signature string) [4]byte {
	var s [4]byte
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

type Slot0Call struct{}

func (Slot0Call) Encode() []byte {
	return common.CopyBytes(selectorSlot0[:])
}

// Slot0 holds the part of slot0() the searcher uses.
type Slot0 struct {
	SqrtPriceX96 *uint256.Int
}

func (Slot0Call) Decode(ret []byte) (Slot0, error) {
	// slot0 returns seven static words, the price is the first
	if len(ret) < 7*wordSize {
		return Slot0{}, ErrInvalidReturnData
	}
	return Slot0{SqrtPriceX96: new(uint256.Int).SetBytes(ret[:wordSize])}, nil
}

type LiquidityCall struct{}

func (LiquidityCall) Encode() []byte {
	return common.CopyBytes(selectorLiquidity[:])
}

func (LiquidityCall) Decode(ret []byte) (*uint256.Int, error) {
	if len(ret) < wordSize {
		return nil, ErrInvalidReturnData
	}
	return new(uint256.Int).SetBytes(ret[:wordSize]), nil
}

type FeeCall struct{}

func (FeeCall) Encode() []byte {
	return common.CopyBytes(selectorFee[:])
}

func (FeeCall) Decode(ret []byte) (uint32, error) {
	if len(ret) < wordSize {
		return 0, ErrInvalidReturnData
	}
	fee := new(uint256.Int).SetBytes(ret[:wordSize])
	// uint24
	if fee.BitLen() > 24 {
		return 0, ErrInvalidReturnData
	}
	return uint32(fee.Uint64()), nil
}

// SwapCall is the searcher executor entrypoint used by both sandwich legs.
type SwapCall struct {
	Pool         common.Address
	ZeroForOne   bool
	AmountIn     *uint256.Int
	MinAmountOut *uint256.Int
}

func (c SwapCall) Encode() []byte {
	out := make([]byte, 0, 4+4*wordSize)
	out = append(out, selectorSwap[:]...)
	out = append(out, common.LeftPadBytes(c.Pool.Bytes(), wordSize)...)
	var dir [wordSize]byte
	if c.ZeroForOne {
		dir[wordSize-1] = 1
	}
	out = append(out, dir[:]...)
	out = append(out, wordOf(c.AmountIn)...)
	out = append(out, wordOf(c.MinAmountOut)...)
	return out
}

func DecodeSwapCall(data []byte) (SwapCall, error) {
	if len(data) != 4+4*wordSize || !bytes.Equal(data[:4], selectorSwap[:]) {
		return SwapCall{}, ErrInvalidReturnData
	}
	args := data[4:]
	word := func(i int) []byte { return args[i*wordSize : (i+1)*wordSize] }
	return SwapCall{
		Pool:         common.BytesToAddress(word(0)),
		ZeroForOne:   word(1)[wordSize-1] == 1,
		AmountIn:     new(uint256.Int).SetBytes(word(2)),
		MinAmountOut: new(uint256.Int).SetBytes(word(3)),
	}, nil
}

func wordOf(v *uint256.Int) []byte {
	if v == nil {
		return make([]byte, wordSize)
	}
	b := v.Bytes32()
	return b[:]
}
