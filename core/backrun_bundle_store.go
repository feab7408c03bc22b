package core

import (
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/time/rate"
)

const DefaultBackrunStoreSize = 10_000

var ErrBackrunBundleTooSmall = errors.New("bundle must have at least 2 transactions (target + backrun)")

var (
	backrunInsertedMeter = metrics.NewRegisteredMeter("builder/backrun/inserted", nil)
	backrunEvictedMeter  = metrics.NewRegisteredMeter("builder/backrun/evicted", nil)
	backrunTargetsGauge  = metrics.NewRegisteredGauge("builder/backrun/targets", nil)
)

type backrunEntry struct {
	// seq ties the entry to its slot in the eviction queue, so a stale slot
	// left by Remove never evicts a later re-insert of the same target.
	seq      uint64
	backruns [][]*types.Transaction
}

type backrunQueueItem struct {
	target common.Hash
	seq    uint64
}

type backrunShard struct {
	mu      sync.RWMutex
	entries map[common.Hash]*backrunEntry
}

// BackrunBundleStore keeps backrun transaction lists keyed by the hash of the
// transaction they follow.
type BackrunBundleStore struct {
	shards [storeShardCount]*backrunShard

	queueMu sync.Mutex
	queue   *circularbuffer.Queue
	nextSeq uint64

	audit      AuditSink
	logLimiter *rate.Limiter
}

func NewBackrunBundleStore(size int) *BackrunBundleStore {
	return NewBackrunBundleStoreWithAudit(size, NilAuditSink{})
}

func NewBackrunBundleStoreWithAudit(size int, audit AuditSink) *BackrunBundleStore {
	if size < 1 {
		size = 1
	}
	if audit == nil {
		audit = NilAuditSink{}
	}
	s := &BackrunBundleStore{
		queue:      circularbuffer.New(size),
		audit:      audit,
		logLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for i := range s.shards {
		s.shards[i] = &backrunShard{entries: make(map[common.Hash]*backrunEntry)}
	}
	return s
}

// Insert stores txs[1:] as a backrun of txs[0]. Backruns for the same target
// accumulate in arrival order.
func (s *BackrunBundleStore) Insert(txs []*types.Transaction) error {
	if len(txs) < 2 {
		return ErrBackrunBundleTooSmall
	}
	target := txs[0].Hash()
	backrun := make([]*types.Transaction, len(txs)-1)
	copy(backrun, txs[1:])

	s.queueMu.Lock()
	shard := s.shards[shardIndex(target)]
	shard.mu.Lock()
	if entry, ok := shard.entries[target]; ok {
		entry.backruns = append(entry.backruns, backrun)
		shard.mu.Unlock()
		s.queueMu.Unlock()
		s.stored(target, backrun)
		return nil
	}
	shard.mu.Unlock()

	s.makeRoom()
	s.nextSeq++
	seq := s.nextSeq
	s.queue.Enqueue(backrunQueueItem{target: target, seq: seq})

	shard.mu.Lock()
	shard.entries[target] = &backrunEntry{seq: seq, backruns: [][]*types.Transaction{backrun}}
	shard.mu.Unlock()
	s.queueMu.Unlock()

	backrunTargetsGauge.Update(int64(s.Len()))
	s.stored(target, backrun)
	return nil
}

func (s *BackrunBundleStore) stored(target common.Hash, backrun []*types.Transaction) {
	backrunInsertedMeter.Mark(1)
	s.audit.Publish(newAuditEvent(AuditBackrunStored, target, txHashes(backrun)))
}

// makeRoom frees a queue slot for a new target. Slots left behind by Remove
// are dropped first; a live target is evicted only when every slot is live.
// It must be called with queueMu held.
func (s *BackrunBundleStore) makeRoom() {
	if !s.queue.Full() {
		return
	}
	if s.Len() < s.queue.Size() {
		items := s.queue.Values()
		s.queue.Clear()
		for _, v := range items {
			if item := v.(backrunQueueItem); s.live(item) {
				s.queue.Enqueue(item)
			}
		}
	}
	if s.queue.Full() {
		if item, ok := s.queue.Dequeue(); ok {
			s.evict(item.(backrunQueueItem))
		}
	}
}

func (s *BackrunBundleStore) live(item backrunQueueItem) bool {
	shard := s.shards[shardIndex(item.target)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.entries[item.target]
	return ok && entry.seq == item.seq
}

// evict must be called with queueMu held.
func (s *BackrunBundleStore) evict(item backrunQueueItem) {
	shard := s.shards[shardIndex(item.target)]
	shard.mu.Lock()
	entry, ok := shard.entries[item.target]
	if !ok || entry.seq != item.seq {
		shard.mu.Unlock()
		return
	}
	delete(shard.entries, item.target)
	shard.mu.Unlock()

	backrunEvictedMeter.Mark(1)
	s.audit.Publish(newAuditEvent(AuditBackrunEvicted, item.target, nil))
	if s.logLimiter.Allow() {
		log.Warn("Backrun bundle store full, evicted oldest target", "target", item.target, "backruns", len(entry.backruns))
	}
}

// Get returns the backrun lists stored for target.
func (s *BackrunBundleStore) Get(target common.Hash) ([][]*types.Transaction, bool) {
	shard := s.shards[shardIndex(target)]
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, ok := shard.entries[target]
	if !ok {
		return nil, false
	}
	res := make([][]*types.Transaction, len(entry.backruns))
	copy(res, entry.backruns)
	return res, true
}

func (s *BackrunBundleStore) Remove(target common.Hash) {
	shard := s.shards[shardIndex(target)]
	shard.mu.Lock()
	_, ok := shard.entries[target]
	delete(shard.entries, target)
	shard.mu.Unlock()

	if ok {
		backrunTargetsGauge.Update(int64(s.Len()))
		s.audit.Publish(newAuditEvent(AuditBackrunRemoved, target, nil))
	}
}

// Len returns the number of distinct targets.
func (s *BackrunBundleStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

func (s *BackrunBundleStore) Clear() {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	for _, shard := range s.shards {
		shard.mu.Lock()
		shard.entries = make(map[common.Hash]*backrunEntry)
		shard.mu.Unlock()
	}
	s.queue.Clear()
	backrunTargetsGauge.Update(0)
}

func txHashes(txs []*types.Transaction) []common.Hash {
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash()
	}
	return hashes
}
