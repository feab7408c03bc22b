package miner

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/consensus/ethash"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/flashblocks-builder/core"
	"github.com/flashbots/flashblocks-builder/core/txpool"
)

var (
	testChainConfig = params.AllEthashProtocolChanges
	testRecipient   = common.HexToAddress("0xbeef")
	revertInitCode  = common.FromHex("0x60006000fd")
)

type testChainCtx struct{}

func (testChainCtx) Engine() consensus.Engine                    { return ethash.NewFaker() }
func (testChainCtx) GetHeader(common.Hash, uint64) *types.Header { return nil }

func newTestExecutor(t *testing.T, gasLimit uint64) *GethExecutor {
	t.Helper()
	statedb, err := state.New(types.EmptyRootHash, state.NewDatabase(rawdb.NewMemoryDatabase()), nil)
	require.NoError(t, err)
	header := &types.Header{
		Number:     big.NewInt(2),
		GasLimit:   gasLimit,
		BaseFee:    big.NewInt(0),
		Difficulty: big.NewInt(0),
		Time:       1_700_000_002,
		Coinbase:   common.HexToAddress("0xc0ffee"),
	}
	return NewGethExecutor(testChainConfig, testChainCtx{}, header, statedb)
}

func dynTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, gas uint64, to *common.Address, data []byte) *types.Transaction {
	t.Helper()
	return types.MustSignNewTx(key, types.LatestSigner(testChainConfig), &types.DynamicFeeTx{
		ChainID:   testChainConfig.ChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(0),
		GasFeeCap: big.NewInt(0),
		Gas:       gas,
		To:        to,
		Value:     big.NewInt(0),
		Data:      data,
	})
}

func transfer(t *testing.T, key *ecdsa.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	return dynTx(t, key, nonce, 21000, &testRecipient, nil)
}

func newKeys(t *testing.T, n int) []*ecdsa.PrivateKey {
	t.Helper()
	keys := make([]*ecdsa.PrivateKey, n)
	for i := range keys {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[i] = key
	}
	return keys
}

type staticTxs []*types.Transaction

func (s staticTxs) PendingTransactions() []*types.Transaction { return s }

type simulatedUsage map[common.Hash]uint64

func (s simulatedUsage) SimulatedUsage(hash common.Hash) (txpool.SimOutcome, bool) {
	us, ok := s[hash]
	if !ok {
		return txpool.SimOutcome{}, false
	}
	return txpool.SimOutcome{Success: true, ExecutionTimeUs: us}, true
}

type recordingPublisher struct {
	published []*Flashblock
	err       error
}

func (p *recordingPublisher) Publish(fb *Flashblock) error {
	p.published = append(p.published, fb)
	return p.err
}

func testFlashblocksConfig() FlashblocksConfig {
	return FlashblocksConfig{
		BlockTime:      200 * time.Millisecond,
		FlashblockTime: 100 * time.Millisecond,
	}
}

func hashesOf(txs []*types.Transaction) []common.Hash {
	res := make([]common.Hash, len(txs))
	for i, tx := range txs {
		res[i] = tx.Hash()
	}
	return res
}

func decodedHashes(t *testing.T, fb *Flashblock) []common.Hash {
	t.Helper()
	res := make([]common.Hash, len(fb.Diff.Transactions))
	for i, raw := range fb.Diff.Transactions {
		var tx types.Transaction
		require.NoError(t, tx.UnmarshalBinary(raw))
		res[i] = tx.Hash()
	}
	return res
}

func TestFlashblocksBuilderBundlesBeforePool(t *testing.T) {
	keys := newKeys(t, 2)
	bundleTx := transfer(t, keys[0], 0)
	poolTx := transfer(t, keys[1], 0)

	pool := core.NewBundlePool()
	require.NoError(t, pool.AddBundle(&core.AcceptedBundle{Txs: types.Transactions{bundleTx}}))
	pub := &recordingPublisher{}

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles:   pool,
		Txs:       staticTxs{poolTx},
		Publisher: pub,
	})
	b.NewBlock(BlockAttributes{PayloadID: "0x01", Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Hash{bundleTx.Hash(), poolTx.Hash()}, decodedHashes(t, fb))
	require.Equal(t, "0x01", fb.PayloadID)
	require.Equal(t, uint64(0), fb.Index)
	require.Equal(t, uint64(2), fb.Metadata.BlockNumber)
	require.Equal(t, 1, fb.Metadata.IncludedBundles)
	require.Equal(t, 2, fb.Metadata.TransactionCount)
	require.Equal(t, uint64(42000), uint64(fb.Diff.GasUsed))
	require.Len(t, pub.published, 1)

	// included bundles leave the pool
	require.Equal(t, 0, pool.Len())
	require.Equal(t, uint64(1), b.FlashblockIndex())
}

func TestFlashblocksBuilderGasSharePerFlashblock(t *testing.T) {
	keys := newKeys(t, 3)
	txs := staticTxs{transfer(t, keys[0], 0), transfer(t, keys[1], 0), transfer(t, keys[2], 0)}

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles: core.NewBundlePool(),
		Txs:     txs,
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 100_000)})

	// the first flashblock may use half of the block gas
	fb0, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(txs[:2]), decodedHashes(t, fb0))

	fb1, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(txs[2:]), decodedHashes(t, fb1))
	require.Equal(t, uint64(63000), uint64(fb1.Diff.GasUsed))
	require.Equal(t, hashesOf(txs), hashesOf(b.IncludedTransactions()))

	_, err = b.BuildFlashblock(context.Background())
	require.ErrorIs(t, err, ErrBlockComplete)
}

func TestFlashblocksBuilderBundleIsAtomic(t *testing.T) {
	keys := newKeys(t, 2)
	first := transfer(t, keys[0], 0)
	badNonce := transfer(t, keys[1], 5)

	pool := core.NewBundlePool()
	bundle := &core.AcceptedBundle{Txs: types.Transactions{first, badNonce}}
	require.NoError(t, pool.AddBundle(bundle))

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles: pool,
		Txs:     staticTxs{first},
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	// the failed bundle is rolled back, its first tx still lands from the pool
	require.Equal(t, []common.Hash{first.Hash()}, decodedHashes(t, fb))
	require.Equal(t, 0, fb.Metadata.IncludedBundles)
	require.Equal(t, uint64(21000), uint64(fb.Diff.GasUsed))
	require.Equal(t, 1, pool.Len())

	fb, err = b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Empty(t, fb.Diff.Transactions)
}

// snapshotCounter counts the executor snapshots taken by the builder.
type snapshotCounter struct {
	TxExecutor
	snapshots int
}

func (c *snapshotCounter) Snapshot() int {
	c.snapshots++
	return c.TxExecutor.Snapshot()
}

func TestFlashblocksBuilderBundleTakesOneSnapshot(t *testing.T) {
	keys := newKeys(t, 3)
	bundleTxs := types.Transactions{transfer(t, keys[0], 0), transfer(t, keys[1], 0)}
	failing := types.Transactions{transfer(t, keys[2], 0), transfer(t, keys[2], 7)}

	pool := core.NewBundlePool()
	pool.AddBundles([]*core.AcceptedBundle{{Txs: bundleTxs}, {Txs: failing}})

	exec := &snapshotCounter{TxExecutor: newTestExecutor(t, 1_000_000)}
	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles: pool,
		Txs:     staticTxs{},
	})
	b.NewBlock(BlockAttributes{Executor: exec})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(bundleTxs), decodedHashes(t, fb))
	// one per bundle, none for the transactions inside
	require.Equal(t, 2, exec.snapshots)
	// the failed bundle left nothing behind
	require.Equal(t, uint64(42000), uint64(fb.Diff.GasUsed))
	require.Len(t, b.info.Receipts, 2)
}

func TestFlashblocksBuilderReverts(t *testing.T) {
	keys := newKeys(t, 3)
	bundleRevert := dynTx(t, keys[0], 0, 100_000, nil, revertInitCode)
	allowedRevert := dynTx(t, keys[1], 0, 100_000, nil, revertInitCode)
	poolRevert := dynTx(t, keys[2], 0, 100_000, nil, revertInitCode)

	pool := core.NewBundlePool()
	pool.AddBundles([]*core.AcceptedBundle{
		{Txs: types.Transactions{bundleRevert}},
		{Txs: types.Transactions{allowedRevert}, RevertingTxHashes: []common.Hash{allowedRevert.Hash()}},
	})

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles: pool,
		Txs:     staticTxs{poolRevert},
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Hash{allowedRevert.Hash(), poolRevert.Hash()}, decodedHashes(t, fb))
	for _, receipt := range b.info.Receipts {
		require.Equal(t, types.ReceiptStatusFailed, receipt.Status)
	}
}

func TestFlashblocksBuilderBackruns(t *testing.T) {
	keys := newKeys(t, 3)
	target := transfer(t, keys[0], 0)
	storedBackrun := transfer(t, keys[1], 0)
	poolBackrun := transfer(t, keys[2], 0)

	store := core.NewBackrunBundleStore(16)
	require.NoError(t, store.Insert([]*types.Transaction{target, storedBackrun}))

	pool := core.NewBundlePool()
	require.NoError(t, pool.AddBundle(&core.AcceptedBundle{Txs: types.Transactions{target, poolBackrun}, Backrun: true}))

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles:  pool,
		Txs:      staticTxs{target},
		Backruns: store,
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, []common.Hash{target.Hash(), storedBackrun.Hash(), poolBackrun.Hash()}, decodedHashes(t, fb))
	require.Equal(t, 1, fb.Metadata.IncludedBundles)
	require.Equal(t, 0, store.Len())
	require.Equal(t, 0, pool.Len())
}

func TestFlashblocksBuilderMeteredTimePerFlashblock(t *testing.T) {
	keys := newKeys(t, 2)
	txs := staticTxs{transfer(t, keys[0], 0), transfer(t, keys[1], 0)}

	metering := core.NewResourceMetering(true, 16, nil)
	for _, tx := range txs {
		metering.Insert(tx.Hash(), core.MeterBundleResponse{TotalExecutionTimeUs: 60_000})
	}
	cfg := testFlashblocksConfig()
	cfg.EnforceMetering = true

	b := NewFlashblocksBuilder(cfg, FlashblocksBackend{
		Bundles:  core.NewBundlePool(),
		Txs:      txs,
		Metering: metering,
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	// 60ms fits the 100ms batch, a second one does not
	fb0, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(txs[:1]), decodedHashes(t, fb0))
	require.Equal(t, uint64(60_000), fb0.Metadata.MeteredTimeUs)

	// the next batch is anchored at 60ms, so the target is 160ms
	fb1, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(txs[1:]), decodedHashes(t, fb1))
	require.Equal(t, uint64(120_000), fb1.Metadata.MeteredTimeUs)
}

func TestFlashblocksBuilderMeteringNotEnforced(t *testing.T) {
	keys := newKeys(t, 2)
	txs := staticTxs{transfer(t, keys[0], 0), transfer(t, keys[1], 0)}

	metering := core.NewResourceMetering(true, 16, nil)
	for _, tx := range txs {
		metering.Insert(tx.Hash(), core.MeterBundleResponse{TotalExecutionTimeUs: 80_000})
	}

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles:  core.NewBundlePool(),
		Txs:      txs,
		Metering: metering,
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Equal(t, hashesOf(txs), decodedHashes(t, fb))
	require.Equal(t, uint64(160_000), fb.Metadata.MeteredTimeUs)
}

func TestFlashblocksBuilderSimulatedTime(t *testing.T) {
	keys := newKeys(t, 2)
	txs := staticTxs{transfer(t, keys[0], 0), transfer(t, keys[1], 0)}

	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles:   core.NewBundlePool(),
		Txs:       txs,
		Simulated: simulatedUsage{txs[0].Hash(): 150_000, txs[1].Hash(): 150_000},
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	for i := 0; i < 2; i++ {
		fb, err := b.BuildFlashblock(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(150_000), fb.Metadata.ExecutionTimeUs)
	}
	require.Equal(t, hashesOf(txs[:1]), hashesOf(b.IncludedTransactions()))
}

func TestFlashblocksBuilderTxDALimit(t *testing.T) {
	keys := newKeys(t, 1)
	cfg := testFlashblocksConfig()
	cfg.TxDALimit = u64(minTxDASize - 1)

	b := NewFlashblocksBuilder(cfg, FlashblocksBackend{
		Bundles: core.NewBundlePool(),
		Txs:     staticTxs{transfer(t, keys[0], 0)},
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	fb, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Empty(t, fb.Diff.Transactions)
	require.Equal(t, uint64(0), fb.Metadata.DABytesUsed)
}

func TestFlashblocksBuilderPublishErrorIsNotFatal(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("boom")}
	b := NewFlashblocksBuilder(testFlashblocksConfig(), FlashblocksBackend{
		Bundles:   core.NewBundlePool(),
		Txs:       staticTxs{},
		Publisher: pub,
	})
	b.NewBlock(BlockAttributes{Executor: newTestExecutor(t, 1_000_000)})

	_, err := b.BuildFlashblock(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.published, 1)
}

func TestFlashblocksBuilderRun(t *testing.T) {
	keys := newKeys(t, 1)
	pub := &recordingPublisher{}
	cfg := FlashblocksConfig{BlockTime: 40 * time.Millisecond, FlashblockTime: 10 * time.Millisecond}

	b := NewFlashblocksBuilder(cfg, FlashblocksBackend{
		Bundles:   core.NewBundlePool(),
		Txs:       staticTxs{transfer(t, keys[0], 0)},
		Publisher: pub,
	})

	_, err := b.BuildFlashblock(context.Background())
	require.ErrorIs(t, err, ErrNoBlock)

	fbs, err := b.Run(context.Background(), BlockAttributes{PayloadID: "0x02", Executor: newTestExecutor(t, 1_000_000)})
	require.NoError(t, err)
	require.NotEmpty(t, fbs)
	require.LessOrEqual(t, len(fbs), 4)
	require.Equal(t, len(fbs), len(pub.published))
	for i, fb := range fbs {
		require.Equal(t, uint64(i), fb.Index)
	}
	require.Len(t, fbs[0].Diff.Transactions, 1)
}

func TestBatchShare(t *testing.T) {
	tests := []struct {
		total, batches, index, want uint64
	}{
		{total: 100, batches: 1, index: 0, want: 100},
		{total: 100, batches: 4, index: 0, want: 25},
		{total: 100, batches: 4, index: 2, want: 75},
		{total: 100, batches: 4, index: 3, want: 100},
		{total: 101, batches: 2, index: 1, want: 101},
		{total: 100, batches: 4, index: 9, want: 100},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, batchShare(tt.total, tt.batches, tt.index))
	}
}
