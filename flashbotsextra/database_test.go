package flashbotsextra

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flashbots/flashblocks-builder/core"
)

const testSchema = `
create table if not exists flashblock_bundles (
	id bigserial primary key,
	bundle_hash varchar(66) not null,
	bundle_uuid uuid not null,
	param_signed_txs text not null,
	param_block_number bigint not null,
	param_flashblock_number_min bigint,
	param_flashblock_number_max bigint,
	param_reverting_tx_hashes text,
	is_backrun boolean not null default false,
	received_timestamp timestamptz not null default now()
);
create table if not exists audit_events (
	id uuid primary key,
	kind varchar(32) not null,
	target varchar(66) not null,
	tx_hashes text not null,
	timestamp timestamptz not null
);`

func TestDatabaseBundlesAndAudit(t *testing.T) {
	dsn := os.Getenv("FLASHBOTS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip()
	}
	ds, err := NewDatabaseService(dsn)
	require.NoError(t, err)
	defer ds.Close()

	_, err = ds.db.Exec(testSchema)
	require.NoError(t, err)
	_, err = ds.db.Exec("delete from flashblock_bundles where param_block_number in (0, 1012, 1013)")
	require.NoError(t, err)

	signed, txs := encodedTxs(t, 2)
	for _, blockNumber := range []uint64{0, 1012, 1013} {
		_, err = ds.db.Exec("insert into flashblock_bundles (bundle_hash, bundle_uuid, param_signed_txs, param_block_number, param_flashblock_number_max) values ($1, $2, $3, $4, $5)",
			core.BundleHash(txs).String(), uuid.New(), signed, blockNumber, 3)
		require.NoError(t, err)
	}

	bundles, err := ds.GetAcceptedBundles(context.Background(), 1012)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	for _, b := range bundles {
		require.Contains(t, []uint64{0, 1012}, b.ParamBlockNumber)
		require.Nil(t, b.ParamFlashblockNumberMin)
		require.Equal(t, uint64(3), *b.ParamFlashblockNumberMax)
		accepted, err := dbBundleToAcceptedBundle(b)
		require.NoError(t, err)
		require.Equal(t, core.BundleHash(txs), accepted.Hash)
	}

	ev := core.AuditEvent{
		ID:        uuid.New(),
		Kind:      core.AuditBackrunStored,
		Target:    common.Hash{0x09, 0x78},
		TxHashes:  []common.Hash{txs[1].Hash()},
		Timestamp: time.Now(),
	}
	require.NoError(t, ds.InsertAuditEvents(context.Background(), []core.AuditEvent{ev}))
	// replays are ignored
	require.NoError(t, ds.InsertAuditEvents(context.Background(), []core.AuditEvent{ev}))

	var rows []DbAuditEvent
	require.NoError(t, ds.db.Select(&rows, "select id, kind, target, tx_hashes, timestamp from audit_events where id = $1", ev.ID))
	require.Len(t, rows, 1)
	require.Equal(t, "backrun_stored", rows[0].Kind)
	require.Equal(t, txs[1].Hash().String(), rows[0].TxHashes)
}
