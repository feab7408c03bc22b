package core

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/google/uuid"
)

type AuditEventKind string

const (
	AuditBackrunStored   AuditEventKind = "backrun_stored"
	AuditBackrunEvicted  AuditEventKind = "backrun_evicted"
	AuditBackrunRemoved  AuditEventKind = "backrun_removed"
	AuditMeteringEvicted AuditEventKind = "metering_evicted"
)

var auditDroppedMeter = metrics.NewRegisteredMeter("builder/audit/dropped", nil)

type AuditEvent struct {
	ID        uuid.UUID
	Kind      AuditEventKind
	Target    common.Hash
	TxHashes  []common.Hash
	Timestamp time.Time
}

func newAuditEvent(kind AuditEventKind, target common.Hash, txHashes []common.Hash) AuditEvent {
	return AuditEvent{
		ID:        uuid.New(),
		Kind:      kind,
		Target:    target,
		TxHashes:  txHashes,
		Timestamp: time.Now(),
	}
}

// AuditSink receives store mutations. Publish must not block the caller.
type AuditSink interface {
	Publish(ev AuditEvent)
}

type NilAuditSink struct{}

func (NilAuditSink) Publish(AuditEvent) {}

// ChannelAuditSink buffers events for a single consumer and drops them when
// the consumer falls behind.
type ChannelAuditSink struct {
	ch     chan AuditEvent
	mu     sync.RWMutex
	closed bool
}

func NewChannelAuditSink(size int) *ChannelAuditSink {
	return &ChannelAuditSink{ch: make(chan AuditEvent, size)}
}

func (s *ChannelAuditSink) Publish(ev AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		auditDroppedMeter.Mark(1)
	}
}

func (s *ChannelAuditSink) Events() <-chan AuditEvent {
	return s.ch
}

func (s *ChannelAuditSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
