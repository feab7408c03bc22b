package miner

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

var errUnknownSnapshot = errors.New("unknown snapshot")

// TxExecutor applies transactions on top of the state of the block being
// built.
type TxExecutor interface {
	Header() *types.Header
	Snapshot() int
	RevertToSnapshot(id int) error
	// DiscardSnapshot drops snapshot id and every later one without
	// touching the state.
	DiscardSnapshot(id int)
	// ApplyTransaction returns the receipt, the sender and the fee paid to the
	// fee recipient.
	ApplyTransaction(tx *types.Transaction) (*types.Receipt, common.Address, *uint256.Int, error)
}

// executorSnapshot keeps a full copy of the state. ApplyTransaction
// finalises the state after every transaction, which drops the journal and
// with it every journal revision taken before.
type executorSnapshot struct {
	state   *state.StateDB
	gasPool uint64
	usedGas uint64
	txIndex int
}

// GethExecutor executes transactions with the go-ethereum state processor.
type GethExecutor struct {
	config  *params.ChainConfig
	chain   core.ChainContext
	header  *types.Header
	state   *state.StateDB
	signer  types.Signer
	vmCfg   vm.Config
	gasPool *core.GasPool
	usedGas uint64
	txIndex int

	snapshots []executorSnapshot
}

func NewGethExecutor(config *params.ChainConfig, chain core.ChainContext, header *types.Header, statedb *state.StateDB) *GethExecutor {
	return &GethExecutor{
		config:  config,
		chain:   chain,
		header:  header,
		state:   statedb,
		signer:  types.MakeSigner(config, header.Number, header.Time),
		gasPool: new(core.GasPool).AddGas(header.GasLimit),
	}
}

func (e *GethExecutor) Header() *types.Header {
	return e.header
}

func (e *GethExecutor) Snapshot() int {
	e.snapshots = append(e.snapshots, executorSnapshot{
		state:   e.state.Copy(),
		gasPool: e.gasPool.Gas(),
		usedGas: e.usedGas,
		txIndex: e.txIndex,
	})
	return len(e.snapshots) - 1
}

func (e *GethExecutor) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(e.snapshots) {
		return errUnknownSnapshot
	}
	snap := e.snapshots[id]
	e.state = snap.state
	e.gasPool.SetGas(snap.gasPool)
	e.usedGas = snap.usedGas
	e.txIndex = snap.txIndex
	e.snapshots = e.snapshots[:id]
	return nil
}

func (e *GethExecutor) DiscardSnapshot(id int) {
	if id >= 0 && id < len(e.snapshots) {
		e.snapshots = e.snapshots[:id]
	}
}

func (e *GethExecutor) ApplyTransaction(tx *types.Transaction) (*types.Receipt, common.Address, *uint256.Int, error) {
	sender, err := types.Sender(e.signer, tx)
	if err != nil {
		return nil, common.Address{}, nil, err
	}

	e.state.SetTxContext(tx.Hash(), e.txIndex)
	receipt, err := core.ApplyTransaction(e.config, e.chain, &e.header.Coinbase, e.gasPool, e.state, e.header, tx, &e.usedGas, e.vmCfg)
	if err != nil {
		return nil, sender, nil, err
	}
	e.txIndex++

	fee := new(uint256.Int)
	if tip, err := tx.EffectiveGasTip(e.header.BaseFee); err == nil && tip.Sign() > 0 {
		fee.SetFromBig(tip)
		fee.Mul(fee, uint256.NewInt(receipt.GasUsed))
	}
	return receipt, sender, fee, nil
}
