package flashbotsextra

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/flashbots/flashblocks-builder/core"
)

const (
	fetchTimeout         = 3 * time.Second
	defaultFetchInterval = 2 * time.Second
)

type BundleSink interface {
	AddBundles(bundles []*core.AcceptedBundle)
}

type bundleFetcher struct {
	db         IDatabaseService
	sink       BundleSink
	blockNumCh chan uint64
	interval   time.Duration
}

// NewBundleFetcher creates a fetcher loading bundles for the block after each
// head number received on blockNumCh, and again on every interval.
func NewBundleFetcher(db IDatabaseService, sink BundleSink, blockNumCh chan uint64, interval time.Duration) *bundleFetcher {
	if interval <= 0 {
		interval = defaultFetchInterval
	}
	return &bundleFetcher{
		db:         db,
		sink:       sink,
		blockNumCh: blockNumCh,
		interval:   interval,
	}
}

func (b *bundleFetcher) Run(ctx context.Context) {
	log.Info("Start bundle fetcher")
	go b.fetchAndPush(ctx)
}

func (b *bundleFetcher) fetchAndPush(ctx context.Context) {
	var currentBlockNum uint64
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case currentBlockNum = <-b.blockNumCh:
			b.fetch(ctx, currentBlockNum+1)
		case <-ticker.C:
			if currentBlockNum == 0 {
				continue
			}
			b.fetch(ctx, currentBlockNum+1)
		case <-ctx.Done():
			return
		}
	}
}

func (b *bundleFetcher) fetch(ctx context.Context, blockNum uint64) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	dbBundles, err := b.db.GetAcceptedBundles(fetchCtx, blockNum)
	cancel()
	if err != nil {
		log.Error("failed to fetch bundles", "block", blockNum, "err", err)
		return
	}
	log.Debug("Fetched bundles", "size", len(dbBundles), "block", blockNum)

	bundles := make([]*core.AcceptedBundle, 0, len(dbBundles))
	for _, dbBundle := range dbBundles {
		bundle, err := dbBundleToAcceptedBundle(dbBundle)
		if err != nil {
			log.Error("failed to convert db bundle", "id", dbBundle.DbId, "err", err)
			continue
		}
		bundles = append(bundles, bundle)
	}
	if len(bundles) > 0 {
		b.sink.AddBundles(bundles)
	}
}

func dbBundleToAcceptedBundle(arg DbBundle) (*core.AcceptedBundle, error) {
	if arg.ParamSignedTxs == "" {
		return nil, errors.New("bundle missing txs")
	}

	var txs types.Transactions
	for _, txStr := range strings.Split(arg.ParamSignedTxs, ",") {
		decodedTx, err := hexutil.Decode(txStr)
		if err != nil {
			return nil, err
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(decodedTx); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if arg.IsBackrun && len(txs) < 2 {
		return nil, core.ErrBackrunBundleTooSmall
	}

	var revertingTxHashes []common.Hash
	if arg.ParamRevertingTxHashes != nil && *arg.ParamRevertingTxHashes != "" {
		for _, h := range strings.Split(*arg.ParamRevertingTxHashes, ",") {
			revertingTxHashes = append(revertingTxHashes, common.HexToHash(h))
		}
	}

	return &core.AcceptedBundle{
		Txs:                 txs,
		BlockNumber:         arg.ParamBlockNumber,
		FlashblockNumberMin: arg.ParamFlashblockNumberMin,
		FlashblockNumberMax: arg.ParamFlashblockNumberMax,
		RevertingTxHashes:   revertingTxHashes,
		Backrun:             arg.IsBackrun,
		Hash:                core.BundleHash(txs),
	}, nil
}
