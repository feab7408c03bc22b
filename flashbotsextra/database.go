package flashbotsextra

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/flashbots/flashblocks-builder/core"
)

const bundleFetchLimit = 500

type IDatabaseService interface {
	GetAcceptedBundles(ctx context.Context, blockNumber uint64) ([]DbBundle, error)
	InsertAuditEvents(ctx context.Context, events []core.AuditEvent) error
}

type NilDbService struct{}

func (NilDbService) GetAcceptedBundles(context.Context, uint64) ([]DbBundle, error) {
	return []DbBundle{}, nil
}

func (NilDbService) InsertAuditEvents(context.Context, []core.AuditEvent) error {
	return nil
}

type DatabaseService struct {
	db *sqlx.DB

	fetchBundlesStmt     *sqlx.NamedStmt
	insertAuditEventStmt string
}

func NewDatabaseService(postgresDSN string) (*DatabaseService, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}

	fetchBundlesStmt, err := db.PrepareNamed("select id, bundle_hash, bundle_uuid, param_signed_txs, param_block_number, param_flashblock_number_min, param_flashblock_number_max, param_reverting_tx_hashes, is_backrun, received_timestamp from flashblock_bundles where param_block_number in (0, :param_block_number) order by received_timestamp asc limit :limit")
	if err != nil {
		return nil, err
	}

	return &DatabaseService{
		db:                   db,
		fetchBundlesStmt:     fetchBundlesStmt,
		insertAuditEventStmt: "insert into audit_events (id, kind, target, tx_hashes, timestamp) values (:id, :kind, :target, :tx_hashes, :timestamp) on conflict (id) do nothing",
	}, nil
}

// GetAcceptedBundles returns the bundles targeting blockNumber or any block,
// oldest first.
func (ds *DatabaseService) GetAcceptedBundles(ctx context.Context, blockNumber uint64) ([]DbBundle, error) {
	var bundles []DbBundle
	arg := map[string]interface{}{"param_block_number": blockNumber, "limit": bundleFetchLimit}
	if err := ds.fetchBundlesStmt.SelectContext(ctx, &bundles, arg); err != nil {
		return nil, err
	}
	return bundles, nil
}

func (ds *DatabaseService) InsertAuditEvents(ctx context.Context, events []core.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]DbAuditEvent, len(events))
	for i, ev := range events {
		rows[i] = auditEventToDbAuditEvent(ev)
	}

	tx, err := ds.db.Beginx()
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, ds.insertAuditEventStmt, rows); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("could not roll back audit insert", "err", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (ds *DatabaseService) Close() error {
	return ds.db.Close()
}

func auditEventToDbAuditEvent(ev core.AuditEvent) DbAuditEvent {
	return DbAuditEvent{
		ID:        ev.ID,
		Kind:      string(ev.Kind),
		Target:    ev.Target.String(),
		TxHashes:  joinHashes(ev.TxHashes),
		Timestamp: ev.Timestamp.UTC(),
	}
}

func joinHashes(hashes []common.Hash) string {
	strs := make([]string, len(hashes))
	for i, h := range hashes {
		strs[i] = h.String()
	}
	return strings.Join(strs, ",")
}
