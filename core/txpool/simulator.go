package txpool

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
)

// SimOutcome is the result of executing a transaction against the head state.
// Gas and time are zero when the transaction could not be executed.
type SimOutcome struct {
	Success            bool
	InvalidNonceTooLow bool
	InvalidOther       bool
	SimulatedGasUsed   uint64
	ExecutionTimeUs    uint64
}

func (o SimOutcome) Executed() bool {
	return !o.InvalidNonceTooLow && !o.InvalidOther
}

func invalidOutcome() SimOutcome {
	return SimOutcome{InvalidOther: true}
}

type TxSimulator interface {
	// Simulate must not panic. Failures are reported in the outcome.
	Simulate(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome
}

// HeadSimulator is a TxSimulator that can be pinned to one parent header, so
// every transaction of a batch sees the same head.
type HeadSimulator interface {
	TxSimulator
	Head() *types.Header
	SimulateAt(ctx context.Context, parent *types.Header, origin TxOrigin, tx *types.Transaction) SimOutcome
}

// SimulatorFunc adapts a plain function to TxSimulator.
type SimulatorFunc func(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome

func (f SimulatorFunc) Simulate(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome {
	return f(ctx, origin, tx)
}

// ChainStateProvider gives access to the canonical head and its state.
type ChainStateProvider interface {
	core.ChainContext
	Config() *params.ChainConfig
	CurrentHeader() *types.Header
	StateAt(root common.Hash) (*state.StateDB, error)
}

// PreExecutionHook applies the system changes that precede user transactions
// in a block.
type PreExecutionHook func(vmenv *vm.EVM, statedb *state.StateDB, header *types.Header) error

// BeaconRootHook stores the parent beacon block root when the header carries one.
func BeaconRootHook(vmenv *vm.EVM, statedb *state.StateDB, header *types.Header) error {
	if header.ParentBeaconRoot != nil {
		core.ProcessBeaconBlockRoot(*header.ParentBeaconRoot, vmenv, statedb)
	}
	return nil
}

// NextBlockHeader derives a minimal header for the block after parent,
// reusing the parent's timestamp, fee recipient, randomness and gas limit.
func NextBlockHeader(config *params.ChainConfig, parent *types.Header) (*types.Header, error) {
	if parent == nil || parent.Number == nil {
		return nil, ErrNoHead
	}
	header := &types.Header{
		ParentHash:       parent.Hash(),
		Number:           new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:         parent.GasLimit,
		Time:             parent.Time,
		Coinbase:         parent.Coinbase,
		MixDigest:        parent.MixDigest,
		Difficulty:       new(big.Int),
		ParentBeaconRoot: parent.ParentBeaconRoot,
	}
	if config.IsLondon(header.Number) {
		if config.IsLondon(parent.Number) && parent.BaseFee == nil {
			return nil, errors.New("parent header is missing base fee")
		}
		header.BaseFee = eip1559.CalcBaseFee(config, parent)
	}
	return header, nil
}

// OverlaySimulator executes each transaction on a throwaway copy of the head
// state. Nothing is ever written back.
type OverlaySimulator struct {
	chain   ChainStateProvider
	preExec PreExecutionHook
	vmCfg   vm.Config
}

func NewOverlaySimulator(chain ChainStateProvider, preExec PreExecutionHook) *OverlaySimulator {
	if preExec == nil {
		preExec = BeaconRootHook
	}
	return &OverlaySimulator{chain: chain, preExec: preExec}
}

func (s *OverlaySimulator) Head() *types.Header {
	return s.chain.CurrentHeader()
}

// Simulate executes tx on top of the current head.
func (s *OverlaySimulator) Simulate(ctx context.Context, origin TxOrigin, tx *types.Transaction) SimOutcome {
	return s.SimulateAt(ctx, s.chain.CurrentHeader(), origin, tx)
}

// SimulateAt executes tx on a fresh overlay of the state at parent.
func (s *OverlaySimulator) SimulateAt(ctx context.Context, parent *types.Header, _ TxOrigin, tx *types.Transaction) SimOutcome {
	if ctx.Err() != nil {
		return invalidOutcome()
	}
	if parent == nil {
		return invalidOutcome()
	}
	config := s.chain.Config()
	header, err := NextBlockHeader(config, parent)
	if err != nil {
		log.Debug("Could not derive simulation env", "parent", parent.Hash(), "err", err)
		return invalidOutcome()
	}
	statedb, err := s.chain.StateAt(parent.Root)
	if err != nil {
		log.Debug("Could not open simulation state", "root", parent.Root, "err", err)
		return invalidOutcome()
	}

	blockCtx := core.NewEVMBlockContext(header, s.chain, &header.Coinbase)
	vmenv := vm.NewEVM(blockCtx, vm.TxContext{}, statedb, config, s.vmCfg)
	if err := s.preExec(vmenv, statedb, header); err != nil {
		log.Debug("Pre-execution changes failed", "err", err)
		return invalidOutcome()
	}

	var (
		gasPool = new(core.GasPool).AddGas(header.GasLimit)
		usedGas uint64
	)
	start := time.Now()
	receipt, err := core.ApplyTransaction(config, s.chain, &header.Coinbase, gasPool, statedb, header, tx, &usedGas, s.vmCfg)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, core.ErrNonceTooLow) {
			return SimOutcome{InvalidNonceTooLow: true}
		}
		return invalidOutcome()
	}
	return SimOutcome{
		Success:          receipt.Status == types.ReceiptStatusSuccessful,
		SimulatedGasUsed: receipt.GasUsed,
		ExecutionTimeUs:  uint64(elapsed.Microseconds()),
	}
}
