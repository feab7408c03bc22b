package miner

import (
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	flashblockTxNumHistogram = metrics.NewRegisteredHistogram("miner/flashblock/txnum", nil, metrics.NewExpDecaySample(1028, 0.015))
	flashblockBuildTimer     = metrics.NewRegisteredTimer("miner/flashblock/build", nil)

	bundleIncludedMeter = metrics.NewRegisteredMeter("miner/bundle/included", nil)
	bundleFailedMeter   = metrics.NewRegisteredMeter("miner/bundle/failed", nil)
	limitRejectedMeter  = metrics.NewRegisteredMeter("miner/tx/limit_rejected", nil)

	blockGasUsedGauge     = metrics.NewRegisteredGauge("miner/block/gasused", nil)
	blockMeteredTimeGauge = metrics.NewRegisteredGauge("miner/block/metered_us", nil)
)
