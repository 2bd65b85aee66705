package sandwich

import (
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

var ErrNoGasQuote = fmt.Errorf("%w: no gas quote observed yet", ErrStale)

// GasPolicy controls how searcher transactions are priced.
type GasPolicy struct {
	// BaseFeeBufferPercent is added on top of the base fee for the frontrun
	BaseFeeBufferPercent uint64
	// BackrunPricePercent of the frontrun fee cap and tip is paid by the backrun
	BackrunPricePercent uint64
	// GasLimitPaddingPercent is added to simulated gas when setting leg gas limits
	GasLimitPaddingPercent uint64
	// EstimatedGasUnits is the gas both legs are expected to burn, used before simulation
	EstimatedGasUnits uint64
	// MaxPriorityFee caps the node suggested tip, nil means no cap
	MaxPriorityFee *big.Int
}

var DefaultGasPolicy = GasPolicy{
	BaseFeeBufferPercent:   10,
	BackrunPricePercent:    90,
	GasLimitPaddingPercent: 5,
	EstimatedGasUnits:      300_000,
}

// GasOracle has a single writer (the head tracker) and many readers. Readers
// receive their own copy of the quote and never wait on the writer.
type GasOracle struct {
	quote atomic.Pointer[GasQuote]
}

func NewGasOracle() *GasOracle {
	return &GasOracle{}
}

func (o *GasOracle) Update(q GasQuote) {
	c := q.copy()
	o.quote.Store(&c)
}

func (o *GasOracle) Quote() (GasQuote, error) {
	q := o.quote.Load()
	if q == nil {
		return GasQuote{}, ErrNoGasQuote
	}
	return q.copy(), nil
}

func (q GasQuote) copy() GasQuote {
	c := q
	if q.BaseFee != nil {
		c.BaseFee = new(big.Int).Set(q.BaseFee)
	}
	if q.PriorityFee != nil {
		c.PriorityFee = new(big.Int).Set(q.PriorityFee)
	}
	return c
}

// QuoteFromHeader builds a quote for the block following header.
func QuoteFromHeader(header *types.Header, priorityFee, maxPriorityFee *big.Int, now time.Time) GasQuote {
	baseFee := new(big.Int)
	if header.BaseFee != nil {
		baseFee.Set(header.BaseFee)
	}
	tip := new(big.Int)
	if priorityFee != nil {
		tip.Set(priorityFee)
	}
	if maxPriorityFee != nil && tip.Cmp(maxPriorityFee) > 0 {
		tip.Set(maxPriorityFee)
	}
	return GasQuote{
		BlockNumber:    header.Number.Uint64(),
		BlockTimestamp: header.Time,
		BaseFee:        baseFee,
		PriorityFee:    tip,
		GasLimit:       header.GasLimit,
		UpdatedAt:      now,
	}
}

// FrontrunFees returns fee cap base*(100+buffer)/100 + priority and the priority tip.
func (q GasQuote) FrontrunFees(bufferPercent uint64) (feeCap, tip *big.Int) {
	base := new(big.Int)
	if q.BaseFee != nil {
		base.Set(q.BaseFee)
	}
	tip = new(big.Int)
	if q.PriorityFee != nil {
		tip.Set(q.PriorityFee)
	}
	feeCap = base.Mul(base, new(big.Int).SetUint64(100+bufferPercent))
	feeCap.Div(feeCap, big100)
	feeCap.Add(feeCap, tip)
	return feeCap, tip
}

// GasCost prices units of gas at the frontrun fee cap.
func (q GasQuote) GasCost(units, bufferPercent uint64) (*uint256.Int, error) {
	feeCap, _ := q.FrontrunFees(bufferPercent)
	price, overflow := uint256.FromBig(feeCap)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	cost, overflow := new(uint256.Int).MulOverflow(price, uint256.NewInt(units))
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return cost, nil
}

func percentOf(v *big.Int, percent uint64) *big.Int {
	r := new(big.Int).Mul(v, new(big.Int).SetUint64(percent))
	return r.Div(r, big100)
}
