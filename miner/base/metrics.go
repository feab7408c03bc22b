package base

import (
	"github.com/ethereum/go-ethereum/metrics"
)

// The histograms are live only when metrics collection is enabled (--metrics).
var (
	executionTimeLimitExceededCounter = metrics.NewRegisteredCounterForced("base/executiontime/exceeded", nil)

	executionTimeLimitTxUsHistogram         = metrics.NewRegisteredHistogram("base/executiontime/tx_us", nil, metrics.NewExpDecaySample(1028, 0.015))
	executionTimeLimitRemainingUsHistogram  = metrics.NewRegisteredHistogram("base/executiontime/remaining_us", nil, metrics.NewExpDecaySample(1028, 0.015))
	executionTimeLimitExceededByUsHistogram = metrics.NewRegisteredHistogram("base/executiontime/exceeded_by_us", nil, metrics.NewExpDecaySample(1028, 0.015))
	executionTimeLimitTxGasHistogram        = metrics.NewRegisteredHistogram("base/executiontime/tx_gas", nil, metrics.NewExpDecaySample(1028, 0.015))
	executionTimeLimitRemainingGasHistogram = metrics.NewRegisteredHistogram("base/executiontime/remaining_gas", nil, metrics.NewExpDecaySample(1028, 0.015))
)
