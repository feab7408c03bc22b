package miner

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/flashbots/flashblocks-builder/core"
)

// BundleSource supplies accepted bundles in priority order.
type BundleSource interface {
	Bundles(blockNumber uint64) []*core.AcceptedBundle
	BackrunBundles(blockNumber uint64) map[common.Hash]*core.AcceptedBundle
	BuiltFlashblock(blockNumber uint64, flashblockIndex uint64, processed []core.ProcessedBundle)
}

// BestFlashblocksBundles yields the bundles admissible for the flashblock
// being built. It is owned by the building goroutine.
type BestFlashblocksBundles struct {
	source BundleSource

	committed map[common.Hash]struct{}
	invalid   map[common.Hash]struct{}

	blockNumber     uint64
	flashblockIndex uint64

	bundles  []*core.AcceptedBundle
	backruns map[common.Hash]*core.AcceptedBundle
	idx      int
}

func NewBestFlashblocksBundles(source BundleSource) *BestFlashblocksBundles {
	return &BestFlashblocksBundles{
		source:    source,
		committed: make(map[common.Hash]struct{}),
		invalid:   make(map[common.Hash]struct{}),
	}
}

// Reset forgets the committed transactions and invalid bundles of the
// previous block.
func (b *BestFlashblocksBundles) Reset() {
	b.committed = make(map[common.Hash]struct{})
	b.invalid = make(map[common.Hash]struct{})
	b.bundles = nil
	b.backruns = nil
	b.idx = 0
}

// Load refreshes the candidates for a new flashblock and rewinds the cursor.
func (b *BestFlashblocksBundles) Load(blockNumber uint64, flashblockIndex uint64) {
	b.blockNumber = blockNumber
	b.flashblockIndex = flashblockIndex
	b.bundles = b.source.Bundles(blockNumber)
	b.backruns = b.source.BackrunBundles(blockNumber)
	b.idx = 0
}

// Next returns the next admissible bundle, false once the candidates are
// exhausted.
func (b *BestFlashblocksBundles) Next() (*core.AcceptedBundle, bool) {
	for b.idx < len(b.bundles) {
		bundle := b.bundles[b.idx]
		b.idx++

		if _, ok := b.invalid[bundle.Hash]; ok {
			continue
		}
		if b.hasCommittedTx(bundle) {
			continue
		}
		if bundle.BlockNumber != 0 && bundle.BlockNumber != b.blockNumber {
			continue
		}
		if bundle.FlashblockNumberMin != nil && b.flashblockIndex < *bundle.FlashblockNumberMin {
			continue
		}
		if bundle.FlashblockNumberMax != nil && b.flashblockIndex > *bundle.FlashblockNumberMax {
			continue
		}
		return bundle, true
	}
	return nil, false
}

func (b *BestFlashblocksBundles) hasCommittedTx(bundle *core.AcceptedBundle) bool {
	return b.anyCommitted(bundle.Txs)
}

func (b *BestFlashblocksBundles) anyCommitted(txs []*types.Transaction) bool {
	for _, tx := range txs {
		if _, ok := b.committed[tx.Hash()]; ok {
			return true
		}
	}
	return false
}

// BackrunFor returns the backrun bundle targeting txHash, regardless of the
// cursor position. The target itself may already be committed.
func (b *BestFlashblocksBundles) BackrunFor(txHash common.Hash) (*core.AcceptedBundle, bool) {
	bundle, ok := b.backruns[txHash]
	if !ok {
		return nil, false
	}
	if _, invalid := b.invalid[bundle.Hash]; invalid || b.anyCommitted(bundle.Txs[1:]) {
		return nil, false
	}
	return bundle, true
}

func (b *BestFlashblocksBundles) MarkCommitted(hashes []common.Hash) {
	for _, h := range hashes {
		b.committed[h] = struct{}{}
	}
}

// MarkInvalid excludes the bundle for the rest of the block.
func (b *BestFlashblocksBundles) MarkInvalid(bundle *core.AcceptedBundle) {
	b.invalid[bundle.Hash] = struct{}{}
}

func (b *BestFlashblocksBundles) OnNewFlashblock(blockNumber uint64, flashblockIndex uint64, processed []core.ProcessedBundle) {
	b.source.BuiltFlashblock(blockNumber, flashblockIndex, processed)
}
