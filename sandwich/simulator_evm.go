package sandwich

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/params"
)

// StateSource is where the in-process replica copies accounts from.
type StateSource interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	CreateAccessList(ctx context.Context, msg ethereum.CallMsg) (*types.AccessList, uint64, string, error)
}

// EVMSimulationBackend executes calls in an in-memory state database. Only the accounts
// and slots the calls touch are copied from the node, found through eth_createAccessList.
// Calls transferring value are refused since the replica holds no balances.
type EVMSimulationBackend struct {
	source StateSource
}

func NewEVMSimulationBackend(source StateSource) *EVMSimulationBackend {
	return &EVMSimulationBackend{source: source}
}

func (b *EVMSimulationBackend) SimulateCalls(ctx context.Context, env SimulationEnv, calls []SimCall) ([]CallResult, error) {
	for _, c := range calls {
		if c.Value != nil && c.Value.Sign() != 0 {
			return nil, ErrUnsupportedCall
		}
	}

	statedb, err := state.New(types.EmptyRootHash, state.NewDatabase(rawdb.NewMemoryDatabase()), nil)
	if err != nil {
		return nil, err
	}
	if err := b.load(ctx, statedb, env.StateBlock, calls); err != nil {
		return nil, err
	}

	chainConfig := *params.MainnetChainConfig
	chainConfig.ChainID = new(big.Int).Set(env.ChainID)

	results := make([]CallResult, 0, len(calls))
	for _, c := range calls {
		gas := c.Gas
		if gas == 0 {
			gas = env.GasLimit
		}
		cfg := &runtime.Config{
			ChainConfig: &chainConfig,
			Origin:      c.From,
			Coinbase:    env.Coinbase,
			BlockNumber: new(big.Int).SetUint64(env.BlockNumber),
			Time:        env.Timestamp,
			GasLimit:    gas,
			GasPrice:    new(big.Int),
			Value:       new(big.Int),
			BaseFee:     new(big.Int).Set(env.BaseFee),
			Difficulty:  new(big.Int),
			Random:      &common.Hash{},
			State:       statedb,
		}
		// state changes of a call are visible to the calls after it
		ret, leftOver, err := runtime.Call(c.To, c.Data, cfg)
		res := CallResult{GasUsed: gas - leftOver, ReturnData: ret}
		if err != nil {
			res.Reverted = true
			res.RevertReason = revertReason(ret, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *EVMSimulationBackend) load(ctx context.Context, statedb *state.StateDB, stateBlock uint64, calls []SimCall) error {
	block := new(big.Int).SetUint64(stateBlock)
	codeLoaded := make(map[common.Address]bool)
	slotLoaded := make(map[common.Address]map[common.Hash]bool)

	loadCode := func(addr common.Address) error {
		if codeLoaded[addr] {
			return nil
		}
		code, err := b.source.CodeAt(ctx, addr, block)
		if err != nil {
			return transient(err)
		}
		codeLoaded[addr] = true
		if len(code) > 0 {
			statedb.SetCode(addr, code)
		}
		return nil
	}
	loadSlot := func(addr common.Address, key common.Hash) error {
		if slotLoaded[addr] == nil {
			slotLoaded[addr] = make(map[common.Hash]bool)
		}
		if slotLoaded[addr][key] {
			return nil
		}
		value, err := b.source.StorageAt(ctx, addr, key, block)
		if err != nil {
			return transient(err)
		}
		slotLoaded[addr][key] = true
		statedb.SetState(addr, key, common.BytesToHash(value))
		return nil
	}

	for _, c := range calls {
		if err := loadCode(c.To); err != nil {
			return err
		}
		to := c.To
		accessList, _, _, err := b.source.CreateAccessList(ctx, ethereum.CallMsg{From: c.From, To: &to, Data: c.Data, Gas: c.Gas})
		if err != nil {
			return transient(err)
		}
		if accessList == nil {
			continue
		}
		for _, tuple := range *accessList {
			if err := loadCode(tuple.Address); err != nil {
				return err
			}
			for _, key := range tuple.StorageKeys {
				if err := loadSlot(tuple.Address, key); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
