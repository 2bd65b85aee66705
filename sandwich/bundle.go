package sandwich

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	ErrBundleFrozen     = errors.New("bundle is frozen")
	ErrBundleIncomplete = fmt.Errorf("%w: bundle must hold frontrun, victim and backrun", ErrInputMalformed)
)

const (
	legFrontrun = 0
	legVictim   = 1
	legBackrun  = 2
	bundleSize  = 3
)

// Bundle is the ordered set {frontrun, victim, backrun} targeting one block.
// Once frozen it is only read through its accessors.
type Bundle struct {
	rawTxs [][]byte
	hashes []common.Hash

	frontrun *types.Transaction
	backrun  *types.Transaction

	hash            common.Hash
	targetBlock     uint64
	minTimestamp    uint64
	maxTimestamp    uint64
	replacementUUID uuid.UUID
	frozen          bool
}

func (b *Bundle) append(raw []byte, hash common.Hash) error {
	if b.frozen {
		return ErrBundleFrozen
	}
	b.rawTxs = append(b.rawTxs, common.CopyBytes(raw))
	b.hashes = append(b.hashes, hash)
	return nil
}

func (b *Bundle) freeze() error {
	if b.frozen {
		return ErrBundleFrozen
	}
	if len(b.rawTxs) != bundleSize {
		return ErrBundleIncomplete
	}
	hasher := sha3.NewLegacyKeccak256()
	for _, h := range b.hashes {
		hasher.Write(h[:])
	}
	b.hash = common.BytesToHash(hasher.Sum(nil))
	b.frozen = true
	return nil
}

// RawTransactions returns copies of the signed payloads in bundle order.
func (b *Bundle) RawTransactions() [][]byte {
	out := make([][]byte, len(b.rawTxs))
	for i, raw := range b.rawTxs {
		out[i] = common.CopyBytes(raw)
	}
	return out
}

func (b *Bundle) TxHashes() []common.Hash {
	return append([]common.Hash(nil), b.hashes...)
}

func (b *Bundle) Hash() common.Hash {
	return b.hash
}

func (b *Bundle) Frontrun() *types.Transaction {
	return b.frontrun
}

func (b *Bundle) Backrun() *types.Transaction {
	return b.backrun
}

func (b *Bundle) VictimHash() common.Hash {
	if len(b.hashes) <= legVictim {
		return common.Hash{}
	}
	return b.hashes[legVictim]
}

func (b *Bundle) TargetBlock() uint64 {
	return b.targetBlock
}

func (b *Bundle) MinTimestamp() uint64 {
	return b.minTimestamp
}

func (b *Bundle) MaxTimestamp() uint64 {
	return b.maxTimestamp
}

func (b *Bundle) ReplacementUUID() uuid.UUID {
	return b.replacementUUID
}

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type BundleConfig struct {
	ChainID  *big.Int
	Executor common.Address
	Gas      GasPolicy
	// ValidityWindow bounds the max timestamp, counted from the head the opportunity was sized on
	ValidityWindow time.Duration
}

type BundleConstructor struct {
	signer Signer
	nonces NonceSource
	cfg    BundleConfig
}

func NewBundleConstructor(signer Signer, nonces NonceSource, cfg BundleConfig) *BundleConstructor {
	return &BundleConstructor{signer: signer, nonces: nonces, cfg: cfg}
}

// SandwichCalls returns the unsigned calls of the bundle in order, used for simulation
// before anything is signed.
func (c *BundleConstructor) SandwichCalls(opp *Opportunity) []SimCall {
	victim := opp.Victim
	return []SimCall{
		{From: c.signer.Address(), To: c.cfg.Executor, Data: frontrunCall(opp).Encode()},
		{From: victim.From, To: victim.To, Data: victim.Data, Value: victim.Value, Gas: victim.GasLimit},
		{From: c.signer.Address(), To: c.cfg.Executor, Data: backrunCall(opp).Encode()},
	}
}

func frontrunCall(opp *Opportunity) SwapCall {
	return SwapCall{Pool: opp.Pool.Address, ZeroForOne: true, AmountIn: opp.Frontrun}
}

func backrunCall(opp *Opportunity) SwapCall {
	return SwapCall{Pool: opp.Pool.Address, ZeroForOne: false, AmountIn: opp.Backrun}
}

// Build signs the frontrun and backrun around the unmodified victim. The nonce is
// fetched once so the two legs always carry n and n+1.
func (c *BundleConstructor) Build(ctx context.Context, opp *Opportunity, sim SimulationResult) (*Bundle, error) {
	if !sim.Success {
		return nil, sim.Err()
	}
	victimRaw, err := opp.Victim.RawBytes()
	if err != nil {
		return nil, err
	}
	nonce, err := c.nonces.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return nil, transient(err)
	}

	feeCap, tip := opp.Gas.FrontrunFees(c.cfg.Gas.BaseFeeBufferPercent)
	backFeeCap := percentOf(feeCap, c.cfg.Gas.BackrunPricePercent)
	backTip := percentOf(tip, c.cfg.Gas.BackrunPricePercent)

	frontrun, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.gasLimit(sim.LegGas(legFrontrun), opp.Gas.GasLimit),
		To:        &c.cfg.Executor,
		Value:     new(big.Int),
		Data:      frontrunCall(opp).Encode(),
	}))
	if err != nil {
		return nil, err
	}
	backrun, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce + 1,
		GasTipCap: backTip,
		GasFeeCap: backFeeCap,
		Gas:       c.gasLimit(sim.LegGas(legBackrun), opp.Gas.GasLimit),
		To:        &c.cfg.Executor,
		Value:     new(big.Int),
		Data:      backrunCall(opp).Encode(),
	}))
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		frontrun:        frontrun,
		backrun:         backrun,
		targetBlock:     opp.TargetBlock(),
		minTimestamp:    opp.Gas.BlockTimestamp,
		maxTimestamp:    opp.Gas.BlockTimestamp + uint64(c.cfg.ValidityWindow.Seconds()),
		replacementUUID: uuid.New(),
	}
	for _, leg := range []struct {
		tx  *types.Transaction
		raw []byte
	}{
		{tx: frontrun},
		{tx: opp.Victim.Transaction(), raw: victimRaw},
		{tx: backrun},
	} {
		raw := leg.raw
		if raw == nil {
			if raw, err = leg.tx.MarshalBinary(); err != nil {
				return nil, err
			}
		}
		if err := bundle.append(raw, leg.tx.Hash()); err != nil {
			return nil, err
		}
	}
	if err := bundle.freeze(); err != nil {
		return nil, err
	}
	return bundle, nil
}

// gasLimit pads the simulated gas, never above what fits in a block.
func (c *BundleConstructor) gasLimit(simulated, blockGasLimit uint64) uint64 {
	padded := simulated + simulated*c.cfg.Gas.GasLimitPaddingPercent/100
	if blockGasLimit != 0 && padded > blockGasLimit {
		return blockGasLimit
	}
	return padded
}
