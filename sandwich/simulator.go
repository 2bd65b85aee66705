package sandwich

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/sandwich-searcher/metrics"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

var ErrUnsupportedCall = fmt.Errorf("%w: call not supported by simulation backend", ErrInputMalformed)

// SimCall is one unsigned call of a simulated bundle.
type SimCall struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// SimulationRequest is the ordered call list {frontrun, victim, backrun} executed on top of StateBlock.
type SimulationRequest struct {
	StateBlock uint64
	Calls      []SimCall
}

// SimulationEnv is the block environment the replica is seeded with.
type SimulationEnv struct {
	ChainID     *big.Int
	StateBlock  uint64
	BlockNumber uint64
	Timestamp   uint64
	BaseFee     *big.Int
	GasLimit    uint64
	Coinbase    common.Address
}

type CallResult struct {
	GasUsed      uint64
	Reverted     bool
	RevertReason string
	ReturnData   []byte
}

type SimulationResult struct {
	Success      bool
	GasUsed      uint64
	RevertReason string
	Calls        []CallResult
}

// Err describes why a simulation was not successful, nil otherwise.
func (r SimulationResult) Err() error {
	if r.Success {
		return nil
	}
	if r.RevertReason == "" {
		return ErrSimulationReverted
	}
	return fmt.Errorf("%w: %s", ErrSimulationReverted, r.RevertReason)
}

// LegGas returns the gas used by the call at index i.
func (r SimulationResult) LegGas(i int) uint64 {
	if i < 0 || i >= len(r.Calls) {
		return 0
	}
	return r.Calls[i].GasUsed
}

// SimulationBackend executes calls in order against an isolated replica of the state at env.StateBlock.
// Errors returned are infrastructure failures, reverts are reported in the results.
type SimulationBackend interface {
	SimulateCalls(ctx context.Context, env SimulationEnv, calls []SimCall) ([]CallResult, error)
}

// EnvSource provides the chain parameters a simulation is seeded with.
type EnvSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type SimulatorConfig struct {
	GasCeiling    uint64
	MaxRetries    uint64
	RetryInterval time.Duration
	BlockInterval time.Duration
}

var DefaultSimulatorConfig = SimulatorConfig{
	GasCeiling:    1_500_000,
	MaxRetries:    3,
	RetryInterval: 20 * time.Millisecond,
	BlockInterval: 12 * time.Second,
}

type ForkSimulator struct {
	log     *zap.Logger
	backend SimulationBackend
	env     EnvSource
	cfg     SimulatorConfig

	mu      sync.Mutex
	chainID *big.Int
}

func NewForkSimulator(log *zap.Logger, backend SimulationBackend, env EnvSource, cfg SimulatorConfig) *ForkSimulator {
	return &ForkSimulator{
		log:     log.Named("simulator"),
		backend: backend,
		env:     env,
		cfg:     cfg,
	}
}

// Simulate runs the request. A revert or a gas ceiling breach is a result with Success false,
// never retried. Infrastructure errors are retried a bounded number of times.
func (s *ForkSimulator) Simulate(ctx context.Context, req SimulationRequest) (SimulationResult, error) {
	var (
		result  SimulationResult
		attempt int
	)
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.IncSimulationRetries()
		}
		env, err := s.simulationEnv(ctx, req.StateBlock)
		if err != nil {
			return retryable(ctx, err)
		}
		calls, err := s.backend.SimulateCalls(ctx, env, req.Calls)
		if err != nil {
			s.log.Debug("Simulation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			return retryable(ctx, err)
		}
		result = s.summarize(calls)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInterval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.MaxRetries), ctx))
	if err != nil {
		return SimulationResult{}, err
	}
	return result, nil
}

// retryable marks err permanent unless it is a transient failure and ctx is still alive.
func retryable(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(errors.Join(err, ctx.Err()))
	}
	if KindOf(err) != KindInfrastructureTransient {
		return backoff.Permanent(err)
	}
	return transient(err)
}

func (s *ForkSimulator) summarize(calls []CallResult) SimulationResult {
	res := SimulationResult{Success: true, Calls: calls}
	for i, c := range calls {
		res.GasUsed += c.GasUsed
		if c.Reverted && res.Success {
			res.Success = false
			res.RevertReason = fmt.Sprintf("call %d reverted: %s", i, c.RevertReason)
		}
	}
	if res.Success && s.cfg.GasCeiling != 0 && res.GasUsed > s.cfg.GasCeiling {
		res.Success = false
		res.RevertReason = fmt.Sprintf("%s: used %d, ceiling %d", ErrGasCeilingExceeded.Error(), res.GasUsed, s.cfg.GasCeiling)
	}
	return res
}

func (s *ForkSimulator) simulationEnv(ctx context.Context, stateBlock uint64) (SimulationEnv, error) {
	chainID, err := s.chainIDCached(ctx)
	if err != nil {
		return SimulationEnv{}, err
	}
	header, err := s.env.HeaderByNumber(ctx, new(big.Int).SetUint64(stateBlock))
	if err != nil {
		return SimulationEnv{}, transient(err)
	}
	env := SimulationEnv{
		ChainID:     chainID,
		StateBlock:  header.Number.Uint64(),
		BlockNumber: header.Number.Uint64() + 1,
		Timestamp:   header.Time + uint64(s.cfg.BlockInterval.Seconds()),
		BaseFee:     new(big.Int),
		GasLimit:    header.GasLimit,
		Coinbase:    header.Coinbase,
	}
	if header.BaseFee != nil {
		env.BaseFee.Set(header.BaseFee)
	}
	return env, nil
}

func (s *ForkSimulator) chainIDCached(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainID != nil {
		return s.chainID, nil
	}
	chainID, err := s.env.ChainID(ctx)
	if err != nil {
		return nil, transient(err)
	}
	s.chainID = chainID
	return chainID, nil
}

// JSONRPCSimulationBackend simulates on a node that serves eth_simulateV1.
type JSONRPCSimulationBackend struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCSimulationBackend(url string) *JSONRPCSimulationBackend {
	return &JSONRPCSimulationBackend{
		client: jsonrpc.NewClient(url),
	}
}

type simulateCallArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Input hexutil.Bytes   `json:"input"`
}

type simulateBlockOverrides struct {
	Number        *hexutil.Big   `json:"number"`
	Time          hexutil.Uint64 `json:"time"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
	FeeRecipient  common.Address `json:"feeRecipient"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

type simulateBlock struct {
	BlockOverrides simulateBlockOverrides `json:"blockOverrides"`
	Calls          []simulateCallArgs     `json:"calls"`
}

type simulateOpts struct {
	BlockStateCalls []simulateBlock `json:"blockStateCalls"`
	Validation      bool            `json:"validation"`
}

type simulateCallResult struct {
	ReturnData hexutil.Bytes  `json:"returnData"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
	Status     hexutil.Uint64 `json:"status"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type simulateBlockResult struct {
	Calls []simulateCallResult `json:"calls"`
}

func (b *JSONRPCSimulationBackend) SimulateCalls(ctx context.Context, env SimulationEnv, calls []SimCall) ([]CallResult, error) {
	block := simulateBlock{
		BlockOverrides: simulateBlockOverrides{
			Number:        (*hexutil.Big)(new(big.Int).SetUint64(env.BlockNumber)),
			Time:          hexutil.Uint64(env.Timestamp),
			GasLimit:      hexutil.Uint64(env.GasLimit),
			FeeRecipient:  env.Coinbase,
			BaseFeePerGas: (*hexutil.Big)(env.BaseFee),
		},
		Calls: make([]simulateCallArgs, len(calls)),
	}
	for i, c := range calls {
		args := simulateCallArgs{From: c.From, To: c.To, Input: c.Data}
		if c.Gas != 0 {
			gas := hexutil.Uint64(c.Gas)
			args.Gas = &gas
		}
		if c.Value != nil {
			args.Value = (*hexutil.Big)(c.Value)
		}
		block.Calls[i] = args
	}

	var res []simulateBlockResult
	err := b.client.CallFor(ctx, &res, "eth_simulateV1",
		simulateOpts{BlockStateCalls: []simulateBlock{block}},
		hexutil.EncodeUint64(env.StateBlock))
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// the node understood and refused the request, resending it cannot help
			return nil, fmt.Errorf("%w: %s", ErrSimulationReverted, rpcErr.Message)
		}
		return nil, transient(err)
	}
	if len(res) != 1 || len(res[0].Calls) != len(calls) {
		return nil, transient(fmt.Errorf("unexpected simulation response: %d blocks", len(res)))
	}

	out := make([]CallResult, len(calls))
	for i, c := range res[0].Calls {
		out[i] = CallResult{GasUsed: uint64(c.GasUsed), ReturnData: c.ReturnData}
		if c.Status == 1 {
			continue
		}
		out[i].Reverted = true
		switch {
		case len(c.ReturnData) > 0:
			out[i].RevertReason = revertReason(c.ReturnData, nil)
		case c.Error != nil:
			out[i].RevertReason = c.Error.Message
		default:
			out[i].RevertReason = "execution reverted"
		}
	}
	return out, nil
}

func revertReason(ret []byte, err error) string {
	if reason, uerr := abi.UnpackRevert(ret); uerr == nil {
		return reason
	}
	if err != nil {
		return err.Error()
	}
	return "execution reverted: " + hexutil.Encode(ret)
}
