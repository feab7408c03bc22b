package core

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

var ErrEmptyBundle = errors.New("bundle has no transactions")

type BundlePool struct {
	bundles []*AcceptedBundle
	known   map[common.Hash]struct{}

	mu sync.RWMutex
}

// NewBundlePool creates a new bundle pool to gather accepted bundles in
// priority order.
func NewBundlePool() *BundlePool {
	return &BundlePool{known: make(map[common.Hash]struct{})}
}

// AddBundle appends a bundle behind every bundle already in the pool.
// Duplicates are ignored.
func (bpool *BundlePool) AddBundle(bundle *AcceptedBundle) error {
	if len(bundle.Txs) == 0 {
		return ErrEmptyBundle
	}
	if bundle.Hash == (common.Hash{}) {
		bundle.Hash = BundleHash(bundle.Txs)
	}

	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	if _, ok := bpool.known[bundle.Hash]; ok {
		return nil
	}
	bpool.known[bundle.Hash] = struct{}{}
	bpool.bundles = append(bpool.bundles, bundle)
	return nil
}

// AddBundles adds bundles in the given order, skipping invalid ones.
func (bpool *BundlePool) AddBundles(bundles []*AcceptedBundle) {
	for _, bundle := range bundles {
		if err := bpool.AddBundle(bundle); err != nil {
			log.Debug("Skipping bundle", "hash", bundle.Hash, "err", err)
		}
	}
}

// Bundles returns the regular bundles eligible for blockNumber in priority
// order and prunes the ones that targeted an earlier block.
func (bpool *BundlePool) Bundles(blockNumber uint64) []*AcceptedBundle {
	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	var (
		ret  []*AcceptedBundle
		kept = bpool.bundles[:0]
	)
	for _, bundle := range bpool.bundles {
		if bundle.BlockNumber != 0 && bundle.BlockNumber < blockNumber {
			delete(bpool.known, bundle.Hash)
			continue
		}
		kept = append(kept, bundle)
		if !bundle.Backrun && (bundle.BlockNumber == 0 || bundle.BlockNumber == blockNumber) {
			ret = append(ret, bundle)
		}
	}
	for i := len(kept); i < len(bpool.bundles); i++ {
		bpool.bundles[i] = nil
	}
	bpool.bundles = kept
	return ret
}

// BackrunBundles returns the backrun bundles eligible for blockNumber keyed
// by the hash of their target, the first transaction. The earliest bundle
// wins when several share a target.
func (bpool *BundlePool) BackrunBundles(blockNumber uint64) map[common.Hash]*AcceptedBundle {
	bpool.mu.RLock()
	defer bpool.mu.RUnlock()

	ret := make(map[common.Hash]*AcceptedBundle)
	for _, bundle := range bpool.bundles {
		if !bundle.Backrun || len(bundle.Txs) < 2 {
			continue
		}
		if bundle.BlockNumber != 0 && bundle.BlockNumber != blockNumber {
			continue
		}
		target := bundle.Txs[0].Hash()
		if _, ok := ret[target]; !ok {
			ret[target] = bundle
		}
	}
	return ret
}

// BuiltFlashblock drops the bundles that were included in a flashblock.
// Bundles that failed stay in the pool for later flashblocks.
func (bpool *BundlePool) BuiltFlashblock(blockNumber uint64, flashblockIndex uint64, processed []ProcessedBundle) {
	included := make(map[common.Hash]struct{})
	for _, p := range processed {
		if p.Included {
			included[p.Hash] = struct{}{}
		}
	}
	if len(included) == 0 {
		return
	}

	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	kept := bpool.bundles[:0]
	for _, bundle := range bpool.bundles {
		if _, ok := included[bundle.Hash]; ok {
			delete(bpool.known, bundle.Hash)
			continue
		}
		kept = append(kept, bundle)
	}
	for i := len(kept); i < len(bpool.bundles); i++ {
		bpool.bundles[i] = nil
	}
	bpool.bundles = kept
	log.Trace("Pruned included bundles", "block", blockNumber, "flashblock", flashblockIndex, "included", len(included))
}

func (bpool *BundlePool) Len() int {
	bpool.mu.RLock()
	defer bpool.mu.RUnlock()
	return len(bpool.bundles)
}
