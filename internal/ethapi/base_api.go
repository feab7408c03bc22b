package ethapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/flashbots/flashblocks-builder/core"
	"github.com/flashbots/flashblocks-builder/core/txpool"
)

const (
	errCodeInvalidParams = -32602
	errCodeInternal      = -32603

	maxBundleTxs = 50
)

var (
	ErrEmptyBundle       = errors.New("bundle has no transactions")
	ErrBundleTooLarge    = errors.New("bundle too large")
	ErrInvalidFlashRange = errors.New("flashblockNumberMin is above flashblockNumberMax")
)

// apiError carries a JSON-RPC error code to the client.
type apiError struct {
	code int
	err  error
}

func (e *apiError) Error() string  { return e.err.Error() }
func (e *apiError) ErrorCode() int { return e.code }
func (e *apiError) Unwrap() error  { return e.err }

func invalidParams(err error) error {
	return &apiError{code: errCodeInvalidParams, err: err}
}

func internalError(err error) error {
	return &apiError{code: errCodeInternal, err: err}
}

type MeteringStore interface {
	Insert(hash common.Hash, info core.MeterBundleResponse)
	SetEnabled(enabled bool)
	Clear()
}

type BackrunStore interface {
	Insert(txs []*types.Transaction) error
}

type BundleStore interface {
	AddBundle(bundle *core.AcceptedBundle) error
}

// Bundle is the wire form of a bundle submission.
type Bundle struct {
	Txs                 []hexutil.Bytes `json:"txs"`
	BlockNumber         hexutil.Uint64  `json:"blockNumber"`
	FlashblockNumberMin *hexutil.Uint64 `json:"flashblockNumberMin,omitempty"`
	FlashblockNumberMax *hexutil.Uint64 `json:"flashblockNumberMax,omitempty"`
	RevertingTxHashes   []common.Hash   `json:"revertingTxHashes,omitempty"`
}

// BaseAPI is served under the "base" namespace. It feeds the metering cache,
// the backrun store and the bundle pool of the builder.
type BaseAPI struct {
	metering  MeteringStore
	backruns  BackrunStore
	bundles   BundleStore
	validator txpool.Validator
}

// NewBaseAPI creates the API. validator may be nil, in which case submitted
// transactions are only decoded.
func NewBaseAPI(metering MeteringStore, backruns BackrunStore, bundles BundleStore, validator txpool.Validator) *BaseAPI {
	return &BaseAPI{
		metering:  metering,
		backruns:  backruns,
		bundles:   bundles,
		validator: validator,
	}
}

func (api *BaseAPI) SetMeteringInformation(hash common.Hash, info core.MeterBundleResponse) error {
	if hash == (common.Hash{}) {
		return invalidParams(errors.New("missing transaction hash"))
	}
	api.metering.Insert(hash, info)
	log.Trace("Stored metering information", "hash", hash, "execution_us", info.TotalExecutionTimeUs)
	return nil
}

func (api *BaseAPI) SetMeteringEnabled(enabled bool) error {
	api.metering.SetEnabled(enabled)
	log.Info("Resource metering toggled", "enabled", enabled)
	return nil
}

func (api *BaseAPI) ClearMeteringInformation() error {
	api.metering.Clear()
	log.Info("Cleared resource metering information")
	return nil
}

// SendBackrunBundle stores txs[1:] as a backrun of txs[0].
func (api *BaseAPI) SendBackrunBundle(ctx context.Context, args Bundle) (common.Hash, error) {
	txs, err := api.decodeTxs(ctx, args.Txs)
	if err != nil {
		return common.Hash{}, err
	}
	if len(txs) < 2 {
		return common.Hash{}, invalidParams(core.ErrBackrunBundleTooSmall)
	}
	if err := api.backruns.Insert(txs); err != nil {
		return common.Hash{}, internalError(fmt.Errorf("storing backrun bundle: %w", err))
	}
	hash := core.BundleHash(txs)
	log.Debug("Received backrun bundle", "hash", hash, "target", txs[0].Hash(), "txs", len(txs))
	return hash, nil
}

// SendBundle adds a bundle to the pool. Backrun bundles submitted this way
// are matched to their target at build time.
func (api *BaseAPI) SendBundle(ctx context.Context, args Bundle, backrun *bool) (common.Hash, error) {
	bundle, err := api.parseBundle(ctx, args)
	if err != nil {
		return common.Hash{}, err
	}
	bundle.Backrun = backrun != nil && *backrun
	if bundle.Backrun && len(bundle.Txs) < 2 {
		return common.Hash{}, invalidParams(core.ErrBackrunBundleTooSmall)
	}
	if err := api.bundles.AddBundle(bundle); err != nil {
		return common.Hash{}, internalError(fmt.Errorf("adding bundle: %w", err))
	}
	return bundle.Hash, nil
}

func (api *BaseAPI) parseBundle(ctx context.Context, args Bundle) (*core.AcceptedBundle, error) {
	txs, err := api.decodeTxs(ctx, args.Txs)
	if err != nil {
		return nil, err
	}
	bundle := &core.AcceptedBundle{
		Txs:               txs,
		BlockNumber:       uint64(args.BlockNumber),
		RevertingTxHashes: args.RevertingTxHashes,
		Hash:              core.BundleHash(txs),
	}
	if args.FlashblockNumberMin != nil {
		v := uint64(*args.FlashblockNumberMin)
		bundle.FlashblockNumberMin = &v
	}
	if args.FlashblockNumberMax != nil {
		v := uint64(*args.FlashblockNumberMax)
		bundle.FlashblockNumberMax = &v
	}
	if bundle.FlashblockNumberMin != nil && bundle.FlashblockNumberMax != nil && *bundle.FlashblockNumberMin > *bundle.FlashblockNumberMax {
		return nil, invalidParams(ErrInvalidFlashRange)
	}
	return bundle, nil
}

func (api *BaseAPI) decodeTxs(ctx context.Context, raw []hexutil.Bytes) ([]*types.Transaction, error) {
	if len(raw) == 0 {
		return nil, invalidParams(ErrEmptyBundle)
	}
	if len(raw) > maxBundleTxs {
		return nil, invalidParams(ErrBundleTooLarge)
	}
	txs := make([]*types.Transaction, len(raw))
	for i, enc := range raw {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(enc); err != nil {
			return nil, invalidParams(fmt.Errorf("tx %d: %w", i, err))
		}
		txs[i] = tx
	}
	if api.validator == nil {
		return txs, nil
	}

	batch := make([]txpool.OriginTx, len(txs))
	for i, tx := range txs {
		batch[i] = txpool.OriginTx{Origin: txpool.OriginPrivate, Tx: tx}
	}
	for i, outcome := range api.validator.ValidateTransactions(ctx, batch) {
		if !outcome.Valid() {
			return nil, invalidParams(fmt.Errorf("tx %d (%s): %w", i, txs[i].Hash(), outcome.Err))
		}
	}
	return txs, nil
}
