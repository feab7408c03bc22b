package miner

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/flashbots/flashblocks-builder/core"
	"github.com/flashbots/flashblocks-builder/core/txpool"
	"github.com/flashbots/flashblocks-builder/miner/base"
)

const (
	defaultBlockTime      = 2 * time.Second
	defaultFlashblockTime = 250 * time.Millisecond
)

var (
	ErrNoBlock       = errors.New("no block in progress")
	ErrBlockComplete = errors.New("all flashblocks of the block were built")

	errTxAlreadyIncluded = errors.New("transaction already included")
	errTxFailed          = errors.New("transaction failed earlier in this block")
	errTxReverted        = errors.New("transaction reverted")
)

type FlashblocksConfig struct {
	BlockTime            time.Duration
	FlashblockTime       time.Duration
	TxDALimit            *uint64
	BlockDALimit         *uint64
	DAFootprintLimit     *uint64
	DAFootprintGasScalar *uint16
	// EnforceMetering rejects transactions whose metered execution time does
	// not fit the flashblock budget.
	EnforceMetering bool
}

func (c FlashblocksConfig) flashblocksPerBlock() uint64 {
	if c.FlashblockTime <= 0 || c.BlockTime <= c.FlashblockTime {
		return 1
	}
	return uint64(c.BlockTime / c.FlashblockTime)
}

// TxSource supplies pool transactions in priority order.
type TxSource interface {
	PendingTransactions() []*types.Transaction
}

type SimulatedUsageSource interface {
	SimulatedUsage(hash common.Hash) (txpool.SimOutcome, bool)
}

type BackrunSource interface {
	Get(target common.Hash) ([][]*types.Transaction, bool)
	Remove(target common.Hash)
}

type disabledMetering struct{}

func (disabledMetering) Get(common.Hash) (core.MeterBundleResponse, core.MeteringLookup) {
	return core.MeterBundleResponse{}, core.MeteringDisabled
}

// FlashblocksBackend groups the collaborators of the builder. Bundles and
// Txs are required.
type FlashblocksBackend struct {
	Bundles   BundleSource
	Txs       TxSource
	Backruns  BackrunSource
	Metering  base.MeteringSource
	Simulated SimulatedUsageSource
	DA        DAEstimator
	Publisher FlashblockPublisher
}

type BlockAttributes struct {
	PayloadID string
	Executor  TxExecutor
}

type flashblockExtra struct {
	base base.ExecutionState
}

// FlashblocksBuilder builds a block as a sequence of flashblocks. It is not
// safe for concurrent use.
type FlashblocksBuilder struct {
	cfg       FlashblocksConfig
	bundles   *BestFlashblocksBundles
	backruns  BackrunSource
	metering  base.MeteringSource
	txs       TxSource
	sims      SimulatedUsageSource
	da        DAEstimator
	publisher FlashblockPublisher

	payloadID string
	exec      TxExecutor
	header    *types.Header
	info      *ExecutionInfo[flashblockExtra]
	baseCtx   base.FlashblocksCtx
	index     uint64
	included  map[common.Hash]struct{}
	failed    map[common.Hash]struct{}
}

func NewFlashblocksBuilder(cfg FlashblocksConfig, backend FlashblocksBackend) *FlashblocksBuilder {
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = defaultBlockTime
	}
	if cfg.FlashblockTime <= 0 {
		cfg.FlashblockTime = defaultFlashblockTime
	}
	if cfg.FlashblockTime > cfg.BlockTime {
		cfg.FlashblockTime = cfg.BlockTime
	}
	b := &FlashblocksBuilder{
		cfg:       cfg,
		bundles:   NewBestFlashblocksBundles(backend.Bundles),
		backruns:  backend.Backruns,
		metering:  backend.Metering,
		txs:       backend.Txs,
		sims:      backend.Simulated,
		da:        backend.DA,
		publisher: backend.Publisher,
	}
	if b.metering == nil {
		b.metering = disabledMetering{}
	}
	if b.da == nil {
		b.da = NewBrotliDAEstimator(defaultDACompressionLevel)
	}
	if b.publisher == nil {
		b.publisher = nilPublisher{}
	}
	return b
}

// NewBlock starts a new block on top of the executor state. All per block
// state of the previous block is dropped.
func (b *FlashblocksBuilder) NewBlock(attrs BlockAttributes) {
	b.payloadID = attrs.PayloadID
	b.exec = attrs.Executor
	b.header = attrs.Executor.Header()
	b.info = NewExecutionInfo[flashblockExtra](0)
	b.info.DAFootprintScalar = b.cfg.DAFootprintGasScalar
	b.baseCtx = base.NewFlashblocksCtx(uint64(b.cfg.FlashblockTime.Microseconds()), b.cfg.EnforceMetering)
	b.index = 0
	b.included = make(map[common.Hash]struct{})
	b.failed = make(map[common.Hash]struct{})
	b.bundles.Reset()
}

func (b *FlashblocksBuilder) limitsFor(index uint64) LimitContext {
	n := b.cfg.flashblocksPerBlock()
	limits := LimitContext{
		Block: BlockLimits{
			Gas:             batchShare(b.header.GasLimit, n, index),
			DAFootprint:     b.cfg.DAFootprintLimit,
			ExecutionTimeUs: uint64(b.cfg.BlockTime.Microseconds()),
		},
		Tx:                   TxLimits{Data: b.cfg.TxDALimit},
		DAFootprintGasScalar: b.cfg.DAFootprintGasScalar,
	}
	if b.cfg.BlockDALimit != nil {
		da := batchShare(*b.cfg.BlockDALimit, n, index)
		limits.Block.Data = &da
	}
	return limits
}

// batchShare is the cumulative allowance of the first index+1 batches. The
// last batch gets the whole block limit.
func batchShare(total, batches, index uint64) uint64 {
	if index+1 >= batches {
		return total
	}
	share := saturatingMul(total/batches, index+1)
	if share > total {
		return total
	}
	return share
}

// BuildFlashblock fills the next flashblock, first with bundles then with
// pool transactions, publishes it and opens the following batch.
func (b *FlashblocksBuilder) BuildFlashblock(ctx context.Context) (*Flashblock, error) {
	if b.exec == nil {
		return nil, ErrNoBlock
	}
	if b.index >= b.cfg.flashblocksPerBlock() {
		return nil, ErrBlockComplete
	}
	start := time.Now()
	number := b.header.Number.Uint64()
	b.bundles.Load(number, b.index)
	limits := b.limitsFor(b.index)
	bctx := b.baseCtx.BuilderCtx()
	first := len(b.info.ExecutedTransactions)

	var processed []core.ProcessedBundle
	for ctx.Err() == nil {
		bundle, ok := b.bundles.Next()
		if !ok {
			break
		}
		err := b.commitBundle(bundle.Txs, bundle, limits, bctx)
		processed = append(processed, core.ProcessedBundle{Hash: bundle.Hash, Included: err == nil})
		if err != nil {
			bundleFailedMeter.Mark(1)
			if !isLimitError(err) {
				b.bundles.MarkInvalid(bundle)
			}
			log.Trace("Bundle not included", "bundle", bundle.Hash, "flashblock", b.index, "err", err)
			continue
		}
		bundleIncludedMeter.Mark(1)
		processed = append(processed, b.commitBackruns(bundle.Txs, limits, bctx)...)
	}

	for _, tx := range b.txs.PendingTransactions() {
		if ctx.Err() != nil {
			break
		}
		if err := b.commitPoolTx(tx, limits, bctx); err != nil {
			log.Trace("Transaction not included", "hash", tx.Hash(), "flashblock", b.index, "err", err)
			continue
		}
		processed = append(processed, b.commitBackruns(types.Transactions{tx}, limits, bctx)...)
	}

	fb := b.seal(first, processed)
	b.bundles.OnNewFlashblock(number, b.index, processed)
	if err := b.publisher.Publish(fb); err != nil {
		log.Warn("Failed to publish flashblock", "block", number, "index", b.index, "err", err)
	}

	flashblockBuildTimer.UpdateSince(start)
	flashblockTxNumHistogram.Update(int64(len(fb.Diff.Transactions)))
	blockGasUsedGauge.Update(clampInt64(b.info.CumulativeGasUsed))
	blockMeteredTimeGauge.Update(clampInt64(b.info.Extra.base.CumulativeExecutionTimeUs))
	log.Debug("Built flashblock", "block", number, "index", b.index, "txs", len(fb.Diff.Transactions),
		"gas", b.info.CumulativeGasUsed, "metered_us", b.info.Extra.base.CumulativeExecutionTimeUs, "elapsed", time.Since(start))

	b.index++
	b.baseCtx = b.baseCtx.Next(b.info.Extra.base.CumulativeExecutionTimeUs)
	return fb, nil
}

// Run builds every flashblock of a block, one per flashblock interval, until
// the block time elapses.
func (b *FlashblocksBuilder) Run(ctx context.Context, attrs BlockAttributes) ([]*Flashblock, error) {
	b.NewBlock(attrs)
	ctx, cancel := context.WithTimeout(ctx, b.cfg.BlockTime)
	defer cancel()

	ticker := time.NewTicker(b.cfg.FlashblockTime)
	defer ticker.Stop()

	var res []*Flashblock
	n := b.cfg.flashblocksPerBlock()
	for i := uint64(0); i < n; i++ {
		batchCtx, batchCancel := context.WithTimeout(ctx, b.cfg.FlashblockTime)
		fb, err := b.BuildFlashblock(batchCtx)
		batchCancel()
		if err != nil {
			return res, err
		}
		res = append(res, fb)
		if i+1 == n {
			break
		}
		select {
		case <-ctx.Done():
			return res, nil
		case <-ticker.C:
		}
	}
	return res, nil
}

func (b *FlashblocksBuilder) simulatedTime(hash common.Hash) uint64 {
	if b.sims == nil {
		return 0
	}
	if sim, ok := b.sims.SimulatedUsage(hash); ok && sim.Executed() {
		return sim.ExecutionTimeUs
	}
	return 0
}

// applyTx checks the limits, executes tx and records it. On error nothing
// is recorded and the executor state is unchanged, except when nested is set:
// then the caller holds a snapshot and must revert it.
func (b *FlashblocksBuilder) applyTx(tx *types.Transaction, allowRevert, nested bool, limits LimitContext, bctx base.BuilderCtx) error {
	hash := tx.Hash()
	if _, ok := b.included[hash]; ok {
		return errTxAlreadyIncluded
	}
	if _, ok := b.failed[hash]; ok {
		return errTxFailed
	}

	usage := TxUsage{
		DataSize:        b.da.EstimateDASize(tx),
		GasLimit:        tx.Gas(),
		ExecutionTimeUs: b.simulatedTime(hash),
	}
	if err := b.info.IsTxOverLimits(usage, limits); err != nil {
		limitRejectedMeter.Mark(1)
		return err
	}
	baseUsage, err := b.info.Extra.base.CheckTx(b.metering, hash, bctx.BlockExecutionTimeLimitUs, tx.Gas(), b.info.CumulativeGasUsed, limits.Block.Gas)
	if err != nil && bctx.EnforceLimits {
		limitRejectedMeter.Mark(1)
		return err
	}

	snap := -1
	if !nested {
		snap = b.exec.Snapshot()
	}
	receipt, sender, fee, err := b.exec.ApplyTransaction(tx)
	if err == nil && receipt.Status != types.ReceiptStatusSuccessful && !allowRevert {
		err = errTxReverted
	}
	if err != nil {
		if !nested {
			b.revert(snap)
		}
		return err
	}
	if !nested {
		b.exec.DiscardSnapshot(snap)
	}
	b.info.RecordTx(tx, sender, receipt, usage, fee)
	b.info.Extra.base.RecordTx(baseUsage)
	return nil
}

func (b *FlashblocksBuilder) revert(snap int) {
	if err := b.exec.RevertToSnapshot(snap); err != nil {
		log.Error("Failed to revert executor state", "snapshot", snap, "err", err)
	}
}

func (b *FlashblocksBuilder) markIncluded(txs []*types.Transaction) {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
		b.included[hashes[i]] = struct{}{}
	}
	b.bundles.MarkCommitted(hashes)
}

func (b *FlashblocksBuilder) commitPoolTx(tx *types.Transaction, limits LimitContext, bctx base.BuilderCtx) error {
	if err := b.applyTx(tx, true, false, limits, bctx); err != nil {
		if !isLimitError(err) && !errors.Is(err, errTxAlreadyIncluded) {
			b.failed[tx.Hash()] = struct{}{}
		}
		return err
	}
	b.markIncluded([]*types.Transaction{tx})
	return nil
}

// commitBundle includes all of txs or none of them. Only the transactions
// listed by bundle as reverting may revert.
func (b *FlashblocksBuilder) commitBundle(txs []*types.Transaction, bundle *core.AcceptedBundle, limits LimitContext, bctx base.BuilderCtx) error {
	cp := b.info.checkpoint()
	snap := b.exec.Snapshot()
	for _, tx := range txs {
		allowRevert := bundle != nil && bundle.CanRevert(tx.Hash())
		if err := b.applyTx(tx, allowRevert, true, limits, bctx); err != nil {
			b.revert(snap)
			b.info.restore(cp)
			return err
		}
	}
	b.exec.DiscardSnapshot(snap)
	b.markIncluded(txs)
	return nil
}

// commitBackruns tries the backruns of every target right after it and
// drops them from the store whatever the outcome.
func (b *FlashblocksBuilder) commitBackruns(targets []*types.Transaction, limits LimitContext, bctx base.BuilderCtx) []core.ProcessedBundle {
	var processed []core.ProcessedBundle
	for _, target := range targets {
		hash := target.Hash()
		if b.backruns != nil {
			if lists, ok := b.backruns.Get(hash); ok {
				for _, list := range lists {
					if err := b.commitBundle(list, nil, limits, bctx); err != nil {
						log.Trace("Backrun not included", "target", hash, "err", err)
					}
				}
				b.backruns.Remove(hash)
			}
		}
		if bundle, ok := b.bundles.BackrunFor(hash); ok {
			err := b.commitBundle(bundle.Txs[1:], bundle, limits, bctx)
			processed = append(processed, core.ProcessedBundle{Hash: bundle.Hash, Included: err == nil})
			if err != nil && !isLimitError(err) {
				b.bundles.MarkInvalid(bundle)
			}
		}
	}
	return processed
}

func (b *FlashblocksBuilder) seal(first int, processed []core.ProcessedBundle) *Flashblock {
	txs := b.info.ExecutedTransactions[first:]
	encoded := make([]hexutil.Bytes, 0, len(txs))
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			log.Error("Failed to encode transaction", "hash", tx.Hash(), "err", err)
			continue
		}
		encoded = append(encoded, raw)
	}
	includedBundles := 0
	for _, p := range processed {
		if p.Included {
			includedBundles++
		}
	}
	return &Flashblock{
		PayloadID: b.payloadID,
		Index:     b.index,
		Diff: FlashblockDiff{
			GasUsed:      hexutil.Uint64(b.info.CumulativeGasUsed),
			Transactions: encoded,
		},
		Metadata: FlashblockMetadata{
			BlockNumber:      b.header.Number.Uint64(),
			ExecutionTimeUs:  b.info.CumulativeExecutionTimeUs,
			MeteredTimeUs:    b.info.Extra.base.CumulativeExecutionTimeUs,
			DABytesUsed:      b.info.CumulativeDABytesUsed,
			TotalFees:        (*hexutil.Big)(b.info.TotalFees.ToBig()),
			IncludedBundles:  includedBundles,
			TransactionCount: len(b.info.ExecutedTransactions),
		},
	}
}

// IncludedTransactions returns the transactions of the current block.
func (b *FlashblocksBuilder) IncludedTransactions() []*types.Transaction {
	if b.info == nil {
		return nil
	}
	res := make([]*types.Transaction, len(b.info.ExecutedTransactions))
	copy(res, b.info.ExecutedTransactions)
	return res
}

func (b *FlashblocksBuilder) FlashblockIndex() uint64 {
	return b.index
}

func isLimitError(err error) bool {
	var execErr *TxnExecutionError
	var baseErr *base.LimitExceededError
	return errors.As(err, &execErr) || errors.As(err, &baseErr)
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}
