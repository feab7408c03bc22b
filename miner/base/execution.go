// Package base layers execution time metering on top of the generic block
// limits of the miner.
package base

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/flashbots/flashblocks-builder/core"
)

// MeteringSource is the read side of the resource metering cache.
type MeteringSource interface {
	Get(hash common.Hash) (core.MeterBundleResponse, core.MeteringLookup)
}

type ExecutionState struct {
	CumulativeExecutionTimeUs uint64
}

type TxUsage struct {
	ExecutionTimeUs uint64
}

type BlockLimits struct {
	ExecutionTimeUs uint64
}

// LimitExceededError carries the context needed to report an exclusion.
type LimitExceededError struct {
	TxHash       common.Hash
	CumulativeUs uint64
	TxUs         uint64
	LimitUs      uint64
	TxGasLimit   uint64
	RemainingGas uint64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("execution time limit exceeded: tx=%s cumulative_us=%d tx_us=%d limit_us=%d", e.TxHash, e.CumulativeUs, e.TxUs, e.LimitUs)
}

// UsageFromMetering returns the measured execution time of the transaction,
// zero when the cache has no usable entry.
func UsageFromMetering(metering MeteringSource, txHash common.Hash) TxUsage {
	info, res := metering.Get(txHash)
	if res != core.MeteringKnown {
		return TxUsage{}
	}
	return TxUsage{ExecutionTimeUs: info.TotalExecutionTimeUs}
}

// CheckTx reports whether the transaction still fits the execution time limit.
// It must be called after the generic limit checks and does not modify the
// state; admitted transactions are folded in with RecordTx.
func (s *ExecutionState) CheckTx(metering MeteringSource, txHash common.Hash, limitUs, txGas, cumulativeGas, blockGasLimit uint64) (TxUsage, error) {
	usage := UsageFromMetering(metering, txHash)
	total := saturatingAdd(s.CumulativeExecutionTimeUs, usage.ExecutionTimeUs)
	if total <= limitUs {
		return usage, nil
	}

	remainingGas := uint64(0)
	if blockGasLimit > cumulativeGas {
		remainingGas = blockGasLimit - cumulativeGas
	}
	err := &LimitExceededError{
		TxHash:       txHash,
		CumulativeUs: s.CumulativeExecutionTimeUs,
		TxUs:         usage.ExecutionTimeUs,
		LimitUs:      limitUs,
		TxGasLimit:   txGas,
		RemainingGas: remainingGas,
	}
	// once over the limit every candidate fails, report only the first
	if s.CumulativeExecutionTimeUs <= limitUs {
		reportLimitExceeded(err, total)
	}
	return usage, err
}

func (s *ExecutionState) RecordTx(usage TxUsage) {
	s.CumulativeExecutionTimeUs = saturatingAdd(s.CumulativeExecutionTimeUs, usage.ExecutionTimeUs)
}

func reportLimitExceeded(err *LimitExceededError, total uint64) {
	remainingUs := err.LimitUs - err.CumulativeUs
	exceededBy := total - err.LimitUs

	executionTimeLimitExceededCounter.Inc(1)
	executionTimeLimitTxUsHistogram.Update(clampInt64(err.TxUs))
	executionTimeLimitRemainingUsHistogram.Update(clampInt64(remainingUs))
	executionTimeLimitExceededByUsHistogram.Update(clampInt64(exceededBy))
	executionTimeLimitTxGasHistogram.Update(clampInt64(err.TxGasLimit))
	executionTimeLimitRemainingGasHistogram.Update(clampInt64(err.RemainingGas))

	log.Warn("Transaction exceeds execution time limit",
		"tx", err.TxHash,
		"tx_us", err.TxUs,
		"cumulative_us", err.CumulativeUs,
		"limit_us", err.LimitUs,
		"remaining_us", remainingUs,
		"exceeded_by_us", exceededBy,
		"tx_gas", err.TxGasLimit,
		"remaining_gas", err.RemainingGas,
	)
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
