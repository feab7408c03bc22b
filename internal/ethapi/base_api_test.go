package ethapi

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/flashblocks-builder/core"
	"github.com/flashbots/flashblocks-builder/core/txpool"
)

type failingBackrunStore struct{}

func (failingBackrunStore) Insert([]*types.Transaction) error { return errors.New("store unavailable") }

type testBackend struct {
	metering *core.ResourceMetering
	backruns *core.BackrunBundleStore
	bundles  *core.BundlePool
}

func newTestClient(t *testing.T, backruns BackrunStore, validator txpool.Validator) (*rpc.Client, *testBackend) {
	t.Helper()
	b := &testBackend{
		metering: core.NewResourceMetering(true, 16, nil),
		backruns: core.NewBackrunBundleStore(16),
		bundles:  core.NewBundlePool(),
	}
	if backruns == nil {
		backruns = b.backruns
	}
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("base", NewBaseAPI(b.metering, backruns, b.bundles, validator)))
	client := rpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client, b
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, gas uint64) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTransaction(nonce, common.HexToAddress("0xbeef"), big.NewInt(0), gas, big.NewInt(1), nil), types.HomesteadSigner{}, key)
	require.NoError(t, err)
	return tx
}

func encode(t *testing.T, txs ...*types.Transaction) []hexutil.Bytes {
	t.Helper()
	res := make([]hexutil.Bytes, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		res[i] = raw
	}
	return res
}

func requireRPCCode(t *testing.T, err error, code int) {
	t.Helper()
	require.Error(t, err)
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr), "not an rpc error: %v", err)
	require.Equal(t, code, rpcErr.ErrorCode())
}

func TestMeteringEndpoints(t *testing.T) {
	client, b := newTestClient(t, nil, nil)
	ctx := context.Background()
	hash := common.HexToHash("0x01")

	info := core.MeterBundleResponse{TotalExecutionTimeUs: 1234, TotalGasUsed: 21000, StateBlockNumber: 7}
	require.NoError(t, client.CallContext(ctx, nil, "base_setMeteringInformation", hash, info))

	got, res := b.metering.Get(hash)
	require.Equal(t, core.MeteringKnown, res)
	require.Equal(t, uint64(1234), got.TotalExecutionTimeUs)
	require.Equal(t, uint64(7), got.StateBlockNumber)

	require.NoError(t, client.CallContext(ctx, nil, "base_setMeteringEnabled", false))
	_, res = b.metering.Get(hash)
	require.Equal(t, core.MeteringDisabled, res)

	require.NoError(t, client.CallContext(ctx, nil, "base_setMeteringEnabled", true))
	require.NoError(t, client.CallContext(ctx, nil, "base_clearMeteringInformation"))
	_, res = b.metering.Get(hash)
	require.Equal(t, core.MeteringUnknown, res)

	err := client.CallContext(ctx, nil, "base_setMeteringInformation", common.Hash{}, info)
	requireRPCCode(t, err, errCodeInvalidParams)
}

func TestSendBackrunBundle(t *testing.T) {
	key, _ := crypto.GenerateKey()
	target := signedTx(t, key, 0, 21000)
	backrun := signedTx(t, key, 1, 21000)
	ctx := context.Background()

	t.Run("stored", func(t *testing.T) {
		client, b := newTestClient(t, nil, nil)
		var hash common.Hash
		require.NoError(t, client.CallContext(ctx, &hash, "base_sendBackrunBundle", Bundle{Txs: encode(t, target, backrun)}))
		require.Equal(t, core.BundleHash(types.Transactions{target, backrun}), hash)

		lists, ok := b.backruns.Get(target.Hash())
		require.True(t, ok)
		require.Len(t, lists, 1)
		require.Equal(t, backrun.Hash(), lists[0][0].Hash())
	})

	t.Run("malformed", func(t *testing.T) {
		client, b := newTestClient(t, nil, nil)
		tests := []struct {
			name string
			args Bundle
		}{
			{name: "empty", args: Bundle{}},
			{name: "single tx", args: Bundle{Txs: encode(t, target)}},
			{name: "garbage", args: Bundle{Txs: []hexutil.Bytes{{0xde, 0xad}, {0xbe, 0xef}}}},
		}
		for _, tt := range tests {
			err := client.CallContext(ctx, nil, "base_sendBackrunBundle", tt.args)
			requireRPCCode(t, err, errCodeInvalidParams)
		}
		require.Equal(t, 0, b.backruns.Len())
	})

	t.Run("storage failure", func(t *testing.T) {
		client, _ := newTestClient(t, failingBackrunStore{}, nil)
		err := client.CallContext(ctx, nil, "base_sendBackrunBundle", Bundle{Txs: encode(t, target, backrun)})
		requireRPCCode(t, err, errCodeInternal)
	})

	t.Run("validated", func(t *testing.T) {
		head := &types.Header{Number: big.NewInt(1), GasLimit: 30_000_000, BaseFee: big.NewInt(0), Difficulty: big.NewInt(0)}
		client, _ := newTestClient(t, nil, txpool.NewBasicValidator(params.TestChainConfig, head))
		require.NoError(t, client.CallContext(ctx, nil, "base_sendBackrunBundle", Bundle{Txs: encode(t, target, backrun)}))

		tooMuchGas := signedTx(t, key, 2, 40_000_000)
		err := client.CallContext(ctx, nil, "base_sendBackrunBundle", Bundle{Txs: encode(t, target, tooMuchGas)})
		requireRPCCode(t, err, errCodeInvalidParams)
	})
}

func TestSendBundle(t *testing.T) {
	key, _ := crypto.GenerateKey()
	tx := signedTx(t, key, 0, 21000)
	ctx := context.Background()
	client, b := newTestClient(t, nil, nil)

	lo, hi := hexutil.Uint64(1), hexutil.Uint64(3)
	var hash common.Hash
	err := client.CallContext(ctx, &hash, "base_sendBundle", Bundle{
		Txs:                 encode(t, tx),
		BlockNumber:         5,
		FlashblockNumberMin: &lo,
		FlashblockNumberMax: &hi,
	})
	require.NoError(t, err)
	require.Equal(t, core.BundleHash(types.Transactions{tx}), hash)

	bundles := b.bundles.Bundles(5)
	require.Len(t, bundles, 1)
	require.Equal(t, uint64(1), *bundles[0].FlashblockNumberMin)
	require.Equal(t, uint64(3), *bundles[0].FlashblockNumberMax)

	err = client.CallContext(ctx, nil, "base_sendBundle", Bundle{Txs: encode(t, tx), FlashblockNumberMin: &hi, FlashblockNumberMax: &lo})
	requireRPCCode(t, err, errCodeInvalidParams)

	err = client.CallContext(ctx, nil, "base_sendBundle", Bundle{Txs: encode(t, tx)}, true)
	requireRPCCode(t, err, errCodeInvalidParams)
}
