package flashbotsextra

import (
	"time"

	"github.com/google/uuid"
)

type DbBundle struct {
	DbId       uint64    `db:"id"`
	BundleHash string    `db:"bundle_hash"`
	BundleUUID uuid.UUID `db:"bundle_uuid"`

	ParamSignedTxs           string    `db:"param_signed_txs"`
	ParamBlockNumber         uint64    `db:"param_block_number"`
	ParamFlashblockNumberMin *uint64   `db:"param_flashblock_number_min"`
	ParamFlashblockNumberMax *uint64   `db:"param_flashblock_number_max"`
	ParamRevertingTxHashes   *string   `db:"param_reverting_tx_hashes"`
	IsBackrun                bool      `db:"is_backrun"`
	ReceivedTimestamp        time.Time `db:"received_timestamp"`
}

type DbAuditEvent struct {
	ID        uuid.UUID `db:"id"`
	Kind      string    `db:"kind"`
	Target    string    `db:"target"`
	TxHashes  string    `db:"tx_hashes"`
	Timestamp time.Time `db:"timestamp"`
}
