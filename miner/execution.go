package miner

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type TxnExecutionErrorKind uint8

const (
	TransactionDALimitExceeded TxnExecutionErrorKind = iota
	BlockDALimitExceeded
	TransactionGasLimitExceeded
	BlockExecutionTimeLimitExceeded
)

func (k TxnExecutionErrorKind) String() string {
	switch k {
	case TransactionDALimitExceeded:
		return "TransactionDALimitExceeded"
	case BlockDALimitExceeded:
		return "BlockDALimitExceeded"
	case TransactionGasLimitExceeded:
		return "TransactionGasLimitExceeded"
	case BlockExecutionTimeLimitExceeded:
		return "BlockExecutionTimeLimitExceeded"
	}
	return "Unknown"
}

// TxnExecutionError is returned when a transaction does not fit the remaining
// capacity of the block. Cumulative is the usage before the transaction.
type TxnExecutionError struct {
	Kind       TxnExecutionErrorKind
	Cumulative uint64
	Tx         uint64
	Limit      uint64
}

func (e *TxnExecutionError) Error() string {
	switch e.Kind {
	case TransactionDALimitExceeded:
		return fmt.Sprintf("%v: tx_da_size=%d tx_da_limit=%d", e.Kind, e.Tx, e.Limit)
	case BlockDALimitExceeded:
		return fmt.Sprintf("%v: total_da_used=%d tx_da_size=%d block_da_limit=%d", e.Kind, e.Cumulative, e.Tx, e.Limit)
	case TransactionGasLimitExceeded:
		return fmt.Sprintf("%v: total_gas_used=%d tx_gas_limit=%d block_gas_limit=%d", e.Kind, e.Cumulative, e.Tx, e.Limit)
	default:
		return fmt.Sprintf("%v: total_time_us=%d tx_time_us=%d block_time_limit_us=%d", e.Kind, e.Cumulative, e.Tx, e.Limit)
	}
}

type BlockLimits struct {
	Gas             uint64
	Data            *uint64
	DAFootprint     *uint64
	ExecutionTimeUs uint64
}

type TxLimits struct {
	Data *uint64
}

type LimitContext struct {
	Block                BlockLimits
	Tx                   TxLimits
	DAFootprintGasScalar *uint16
}

// TxUsage is the resource usage of a candidate transaction.
type TxUsage struct {
	DataSize        uint64
	GasLimit        uint64
	ExecutionTimeUs uint64
}

// ExecutionInfo accumulates what has been executed in the block under
// construction. Extra carries builder specific state.
type ExecutionInfo[E any] struct {
	ExecutedTransactions      []*types.Transaction
	ExecutedSenders           []common.Address
	Receipts                  []*types.Receipt
	CumulativeGasUsed         uint64
	CumulativeDABytesUsed     uint64
	CumulativeExecutionTimeUs uint64
	TotalFees                 *uint256.Int
	DAFootprintScalar         *uint16
	Extra                     E
}

func NewExecutionInfo[E any](capacity int) *ExecutionInfo[E] {
	return &ExecutionInfo[E]{
		ExecutedTransactions: make([]*types.Transaction, 0, capacity),
		ExecutedSenders:      make([]common.Address, 0, capacity),
		Receipts:             make([]*types.Receipt, 0, capacity),
		TotalFees:            new(uint256.Int),
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

// IsTxOverLimits returns a *TxnExecutionError if the transaction would not fit
// into the block. It has no side effects.
func (info *ExecutionInfo[E]) IsTxOverLimits(usage TxUsage, limits LimitContext) error {
	if limits.Tx.Data != nil && usage.DataSize > *limits.Tx.Data {
		return &TxnExecutionError{Kind: TransactionDALimitExceeded, Tx: usage.DataSize, Limit: *limits.Tx.Data}
	}

	totalDA := saturatingAdd(info.CumulativeDABytesUsed, usage.DataSize)
	if limits.Block.Data != nil && totalDA > *limits.Block.Data {
		return &TxnExecutionError{
			Kind:       BlockDALimitExceeded,
			Cumulative: info.CumulativeDABytesUsed,
			Tx:         usage.DataSize,
			Limit:      *limits.Block.Data,
		}
	}

	if limits.DAFootprintGasScalar != nil {
		footprint := saturatingMul(totalDA, uint64(*limits.DAFootprintGasScalar))
		limit := limits.Block.Gas
		if limits.Block.DAFootprint != nil {
			limit = *limits.Block.DAFootprint
		}
		if footprint > limit {
			return &TxnExecutionError{
				Kind:       BlockDALimitExceeded,
				Cumulative: totalDA,
				Tx:         usage.DataSize,
				Limit:      footprint,
			}
		}
	}

	if saturatingAdd(info.CumulativeGasUsed, usage.GasLimit) > limits.Block.Gas {
		return &TxnExecutionError{
			Kind:       TransactionGasLimitExceeded,
			Cumulative: info.CumulativeGasUsed,
			Tx:         usage.GasLimit,
			Limit:      limits.Block.Gas,
		}
	}

	if saturatingAdd(info.CumulativeExecutionTimeUs, usage.ExecutionTimeUs) > limits.Block.ExecutionTimeUs {
		return &TxnExecutionError{
			Kind:       BlockExecutionTimeLimitExceeded,
			Cumulative: info.CumulativeExecutionTimeUs,
			Tx:         usage.ExecutionTimeUs,
			Limit:      limits.Block.ExecutionTimeUs,
		}
	}
	return nil
}

// RecordTx folds an executed transaction into the cumulative state.
func (info *ExecutionInfo[E]) RecordTx(tx *types.Transaction, sender common.Address, receipt *types.Receipt, usage TxUsage, fee *uint256.Int) {
	info.ExecutedTransactions = append(info.ExecutedTransactions, tx)
	info.ExecutedSenders = append(info.ExecutedSenders, sender)
	info.Receipts = append(info.Receipts, receipt)
	if receipt != nil {
		info.CumulativeGasUsed = saturatingAdd(info.CumulativeGasUsed, receipt.GasUsed)
	}
	info.CumulativeDABytesUsed = saturatingAdd(info.CumulativeDABytesUsed, usage.DataSize)
	info.CumulativeExecutionTimeUs = saturatingAdd(info.CumulativeExecutionTimeUs, usage.ExecutionTimeUs)
	if fee != nil {
		info.TotalFees.Add(info.TotalFees, fee)
	}
}

type executionCheckpoint[E any] struct {
	txs       int
	gas       uint64
	daBytes   uint64
	timeUs    uint64
	totalFees *uint256.Int
	extra     E
}

func (info *ExecutionInfo[E]) checkpoint() executionCheckpoint[E] {
	return executionCheckpoint[E]{
		txs:       len(info.ExecutedTransactions),
		gas:       info.CumulativeGasUsed,
		daBytes:   info.CumulativeDABytesUsed,
		timeUs:    info.CumulativeExecutionTimeUs,
		totalFees: new(uint256.Int).Set(info.TotalFees),
		extra:     info.Extra,
	}
}

// restore drops everything recorded after the checkpoint was taken.
func (info *ExecutionInfo[E]) restore(c executionCheckpoint[E]) {
	for i := c.txs; i < len(info.ExecutedTransactions); i++ {
		info.ExecutedTransactions[i] = nil
		info.Receipts[i] = nil
	}
	info.ExecutedTransactions = info.ExecutedTransactions[:c.txs]
	info.ExecutedSenders = info.ExecutedSenders[:c.txs]
	info.Receipts = info.Receipts[:c.txs]
	info.CumulativeGasUsed = c.gas
	info.CumulativeDABytesUsed = c.daBytes
	info.CumulativeExecutionTimeUs = c.timeUs
	info.TotalFees = c.totalFees
	info.Extra = c.extra
}
