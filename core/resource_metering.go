package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultMeteringBufferSize = 10_000

	storeShardCount = 32
)

// MeteringLookup is the outcome of a metering cache lookup.
type MeteringLookup uint8

const (
	// MeteringDisabled means the cache is switched off and was not consulted.
	MeteringDisabled MeteringLookup = iota
	MeteringKnown
	MeteringUnknown
	// MeteringLocked means the entry's shard was held by a writer.
	MeteringLocked
)

func (l MeteringLookup) String() string {
	switch l {
	case MeteringDisabled:
		return "disabled"
	case MeteringKnown:
		return "known"
	case MeteringUnknown:
		return "unknown"
	case MeteringLocked:
		return "locked"
	}
	return "invalid"
}

var (
	meteringKnownCounter   = metrics.NewRegisteredCounterForced("builder/metering/known", nil)
	meteringUnknownCounter = metrics.NewRegisteredCounterForced("builder/metering/unknown", nil)
	meteringLockedCounter  = metrics.NewRegisteredCounterForced("builder/metering/locked", nil)
	meteringEvictedMeter   = metrics.NewRegisteredMeter("builder/metering/evicted", nil)
	meteringSizeGauge      = metrics.NewRegisteredGauge("builder/metering/size", nil)
)

func shardIndex(hash common.Hash) int {
	return int(hash[0]) % storeShardCount
}

type meteringShard struct {
	mu      sync.RWMutex
	entries map[common.Hash]MeterBundleResponse
}

// ResourceMetering caches externally measured resource usage keyed by
// transaction hash. Entries are evicted in insertion order once the buffer
// is full. It is safe for concurrent use.
type ResourceMetering struct {
	enabled atomic.Bool
	shards  [storeShardCount]*meteringShard

	// queueMu serialises insertion of new keys and evictions.
	queueMu sync.Mutex
	queue   *circularbuffer.Queue

	audit      AuditSink
	logLimiter *rate.Limiter
}

func NewResourceMetering(enabled bool, bufferSize int, audit AuditSink) *ResourceMetering {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if audit == nil {
		audit = NilAuditSink{}
	}
	m := &ResourceMetering{
		queue:      circularbuffer.New(bufferSize),
		audit:      audit,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for i := range m.shards {
		m.shards[i] = &meteringShard{entries: make(map[common.Hash]MeterBundleResponse)}
	}
	m.enabled.Store(enabled)
	return m
}

func (m *ResourceMetering) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

func (m *ResourceMetering) Enabled() bool {
	return m.enabled.Load()
}

// Insert stores info for hash. An existing entry is overwritten in place and
// keeps its position in the eviction order.
func (m *ResourceMetering) Insert(hash common.Hash, info MeterBundleResponse) {
	shard := m.shards[shardIndex(hash)]
	if m.overwrite(shard, hash, info) {
		return
	}

	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	// re-check, a concurrent insert may have added it meanwhile
	if m.overwrite(shard, hash, info) {
		return
	}
	if m.queue.Full() {
		if oldest, ok := m.queue.Dequeue(); ok {
			m.evict(oldest.(common.Hash))
		}
	}
	m.queue.Enqueue(hash)

	shard.mu.Lock()
	shard.entries[hash] = info
	shard.mu.Unlock()
	meteringSizeGauge.Update(int64(m.queue.Size()))
}

func (m *ResourceMetering) overwrite(shard *meteringShard, hash common.Hash, info MeterBundleResponse) bool {
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.entries[hash]; !ok {
		return false
	}
	shard.entries[hash] = info
	return true
}

func (m *ResourceMetering) evict(hash common.Hash) {
	shard := m.shards[shardIndex(hash)]
	shard.mu.Lock()
	delete(shard.entries, hash)
	shard.mu.Unlock()

	meteringEvictedMeter.Mark(1)
	m.audit.Publish(newAuditEvent(AuditMeteringEvicted, hash, nil))
	if m.logLimiter.Allow() {
		log.Info("Evicted metering information", "hash", hash)
	}
}

// Get looks up the metering information of hash.
func (m *ResourceMetering) Get(hash common.Hash) (MeterBundleResponse, MeteringLookup) {
	if !m.enabled.Load() {
		return MeterBundleResponse{}, MeteringDisabled
	}

	shard := m.shards[shardIndex(hash)]
	if !shard.mu.TryRLock() {
		meteringLockedCounter.Inc(1)
		return MeterBundleResponse{}, MeteringLocked
	}
	info, ok := shard.entries[hash]
	shard.mu.RUnlock()

	if !ok {
		meteringUnknownCounter.Inc(1)
		return MeterBundleResponse{}, MeteringUnknown
	}
	meteringKnownCounter.Inc(1)
	return info, MeteringKnown
}

// Clear drops every entry and resets the eviction order.
func (m *ResourceMetering) Clear() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	for _, shard := range m.shards {
		shard.mu.Lock()
		shard.entries = make(map[common.Hash]MeterBundleResponse)
		shard.mu.Unlock()
	}
	m.queue.Clear()
	meteringSizeGauge.Update(0)
}

func (m *ResourceMetering) Len() int {
	total := 0
	for _, shard := range m.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}
