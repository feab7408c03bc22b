package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// AcceptedBundle is a bundle that passed upstream acceptance and is waiting
// to be included in a flashblock.
type AcceptedBundle struct {
	Txs types.Transactions
	// BlockNumber is the target block, 0 means any block.
	BlockNumber         uint64
	FlashblockNumberMin *uint64
	FlashblockNumberMax *uint64
	RevertingTxHashes   []common.Hash
	// Backrun bundles are only tried right after their target transaction.
	Backrun bool
	Hash    common.Hash
}

// CanRevert reports whether the tx is allowed to revert inside the bundle.
func (b *AcceptedBundle) CanRevert(hash common.Hash) bool {
	for _, h := range b.RevertingTxHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// ProcessedBundle is reported back to the pool once a flashblock is built.
type ProcessedBundle struct {
	Hash     common.Hash
	Included bool
}

// BundleHash is the keccak of the concatenated tx hashes.
func BundleHash(txs types.Transactions) common.Hash {
	bundleHasher := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		bundleHasher.Write(tx.Hash().Bytes())
	}
	return common.BytesToHash(bundleHasher.Sum(nil))
}

// MeterTransactionResult is the per-transaction part of a metering report.
type MeterTransactionResult struct {
	TxHash            common.Hash     `json:"txHash"`
	FromAddress       common.Address  `json:"fromAddress"`
	ToAddress         *common.Address `json:"toAddress,omitempty"`
	GasUsed           uint64          `json:"gasUsed"`
	GasPrice          *hexutil.Big    `json:"gasPrice,omitempty"`
	GasFees           *hexutil.Big    `json:"gasFees,omitempty"`
	CoinbaseDiff      *hexutil.Big    `json:"coinbaseDiff,omitempty"`
	EthSentToCoinbase *hexutil.Big    `json:"ethSentToCoinbase,omitempty"`
	ExecutionTimeUs   uint64          `json:"executionTimeUs"`
}

// MeterBundleResponse is the resource usage measured for a transaction by an
// external metering service.
type MeterBundleResponse struct {
	BundleHash           common.Hash              `json:"bundleHash"`
	BundleGasPrice       *hexutil.Big             `json:"bundleGasPrice,omitempty"`
	CoinbaseDiff         *hexutil.Big             `json:"coinbaseDiff,omitempty"`
	EthSentToCoinbase    *hexutil.Big             `json:"ethSentToCoinbase,omitempty"`
	GasFees              *hexutil.Big             `json:"gasFees,omitempty"`
	Results              []MeterTransactionResult `json:"results"`
	StateBlockNumber     uint64                   `json:"stateBlockNumber"`
	StateFlashblockIndex *uint64                  `json:"stateFlashblockIndex,omitempty"`
	TotalGasUsed         uint64                   `json:"totalGasUsed"`
	TotalExecutionTimeUs uint64                   `json:"totalExecutionTimeUs"`
}
