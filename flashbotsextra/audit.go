package flashbotsextra

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/flashbots/flashblocks-builder/core"
)

const auditBatchSize = 100

// ConnectAuditToDatabase persists audit events in batches until events is
// closed or ctx is done. Pending events are flushed before returning.
func ConnectAuditToDatabase(ctx context.Context, events <-chan core.AuditEvent, db IDatabaseService, flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]core.AuditEvent, 0, auditBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		insertCtx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		if err := db.InsertAuditEvents(insertCtx, batch); err != nil {
			log.Error("could not insert audit events", "count", len(batch), "err", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= auditBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}
