package txpool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	gethtxpool "github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// txMaxSize is the maximum size a single transaction can have.
const txMaxSize = 4 * 32 * 1024

var (
	ErrOversizedData = errors.New("oversized data")
	ErrGasLimit      = errors.New("exceeds block gas limit")
	ErrInvalidSender = errors.New("invalid sender")
	ErrNoHead        = errors.New("no head block")
)

type TxOrigin uint8

const (
	OriginExternal TxOrigin = iota
	OriginLocal
	OriginPrivate
)

type OriginTx struct {
	Origin TxOrigin
	Tx     *types.Transaction
}

// ValidationOutcome is the verdict for one transaction. Sim is attached by
// SimulatingValidator for transactions that passed validation.
type ValidationOutcome struct {
	Tx     *types.Transaction
	Sender common.Address
	Err    error
	Sim    *SimOutcome
}

func (o ValidationOutcome) Valid() bool {
	return o.Err == nil
}

type Validator interface {
	ValidateTransaction(ctx context.Context, origin TxOrigin, tx *types.Transaction) ValidationOutcome
	// ValidateTransactions returns one outcome per input, in input order.
	ValidateTransactions(ctx context.Context, txs []OriginTx) []ValidationOutcome
	OnNewHead(head *types.Header)
}

// BasicValidator performs the stateless checks of the regular pool, without
// gas price and nonce checks.
type BasicValidator struct {
	config *params.ChainConfig

	mu            sync.RWMutex
	signer        types.Signer
	istanbul      bool
	eip2718       bool
	eip1559       bool
	shanghai      bool
	cancun        bool
	currentMaxGas uint64
}

func NewBasicValidator(config *params.ChainConfig, head *types.Header) *BasicValidator {
	v := &BasicValidator{config: config, signer: types.LatestSigner(config)}
	if head != nil {
		v.OnNewHead(head)
	}
	return v
}

func (v *BasicValidator) OnNewHead(head *types.Header) {
	next := new(big.Int).Add(head.Number, common.Big1)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.signer = types.MakeSigner(v.config, next, head.Time)
	v.istanbul = v.config.IsIstanbul(next)
	v.eip2718 = v.config.IsBerlin(next)
	v.eip1559 = v.config.IsLondon(next)
	v.shanghai = v.config.IsShanghai(next, head.Time)
	v.cancun = v.config.IsCancun(next, head.Time)
	v.currentMaxGas = head.GasLimit
}

func (v *BasicValidator) ValidateTransaction(_ context.Context, _ TxOrigin, tx *types.Transaction) ValidationOutcome {
	sender, err := v.validateTx(tx)
	return ValidationOutcome{Tx: tx, Sender: sender, Err: err}
}

func (v *BasicValidator) ValidateTransactions(ctx context.Context, txs []OriginTx) []ValidationOutcome {
	outcomes := make([]ValidationOutcome, len(txs))
	for i, otx := range txs {
		outcomes[i] = v.ValidateTransaction(ctx, otx.Origin, otx.Tx)
	}
	return outcomes
}

func (v *BasicValidator) validateTx(tx *types.Transaction) (common.Address, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.currentMaxGas == 0 {
		return common.Address{}, ErrNoHead
	}
	// Accept only legacy transactions until EIP-2718/2930 activates.
	if !v.eip2718 && tx.Type() != types.LegacyTxType {
		return common.Address{}, core.ErrTxTypeNotSupported
	}
	// Reject dynamic fee transactions until EIP-1559 activates.
	if !v.eip1559 && tx.Type() == types.DynamicFeeTxType {
		return common.Address{}, core.ErrTxTypeNotSupported
	}
	if !v.cancun && tx.Type() == types.BlobTxType {
		return common.Address{}, core.ErrTxTypeNotSupported
	}
	if tx.Size() > txMaxSize {
		return common.Address{}, ErrOversizedData
	}
	if v.shanghai && tx.To() == nil && len(tx.Data()) > params.MaxInitCodeSize {
		return common.Address{}, fmt.Errorf("%w: code size %v limit %v", core.ErrMaxInitCodeSizeExceeded, len(tx.Data()), params.MaxInitCodeSize)
	}
	// Transactions can't be negative. This may never happen using RLP decoded
	// transactions but may occur if you create a transaction using the RPC.
	if tx.Value().Sign() < 0 {
		return common.Address{}, gethtxpool.ErrNegativeValue
	}
	if v.currentMaxGas < tx.Gas() {
		return common.Address{}, ErrGasLimit
	}
	if tx.GasFeeCap().BitLen() > 256 {
		return common.Address{}, core.ErrFeeCapVeryHigh
	}
	if tx.GasTipCap().BitLen() > 256 {
		return common.Address{}, core.ErrTipVeryHigh
	}
	if tx.GasFeeCapIntCmp(tx.GasTipCap()) < 0 {
		return common.Address{}, core.ErrTipAboveFeeCap
	}
	if v.istanbul {
		intrGas, err := core.IntrinsicGas(tx.Data(), tx.AccessList(), tx.To() == nil, true, true, v.shanghai)
		if err != nil {
			return common.Address{}, err
		}
		if tx.Gas() < intrGas {
			return common.Address{}, fmt.Errorf("%w: needed %v, allowed %v", core.ErrIntrinsicGas, intrGas, tx.Gas())
		}
	}
	sender, err := types.Sender(v.signer, tx)
	if err != nil {
		return common.Address{}, ErrInvalidSender
	}
	return sender, nil
}
