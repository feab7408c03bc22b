package miner

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer  = 64
	wsWriteTimeout    = 2 * time.Second
	wsMaxSubscribers  = 256
	wsReadLimitBytes  = 512
	wsPingInterval    = 15 * time.Second
	wsPongWaitTimeout = 2 * wsPingInterval
)

var (
	errPublisherClosed = errors.New("publisher closed")
	errTooManySubs     = errors.New("too many subscribers")

	wsSubscribersGauge = metrics.NewRegisteredGauge("miner/flashblocks/ws/subscribers", nil)
	wsDroppedMeter     = metrics.NewRegisteredMeter("miner/flashblocks/ws/dropped", nil)
	wsPublishedMeter   = metrics.NewRegisteredMeter("miner/flashblocks/ws/published", nil)
)

type FlashblockDiff struct {
	GasUsed      hexutil.Uint64  `json:"gas_used"`
	Transactions []hexutil.Bytes `json:"transactions"`
}

type FlashblockMetadata struct {
	BlockNumber      uint64       `json:"block_number"`
	ExecutionTimeUs  uint64       `json:"execution_time_us"`
	MeteredTimeUs    uint64       `json:"metered_time_us"`
	DABytesUsed      uint64       `json:"da_bytes_used"`
	TotalFees        *hexutil.Big `json:"total_fees"`
	IncludedBundles  int          `json:"included_bundles"`
	TransactionCount int          `json:"transaction_count"`
}

// Flashblock is one published slice of the block under construction. Diff
// holds only the transactions added by this flashblock, GasUsed is
// cumulative for the block.
type Flashblock struct {
	PayloadID string             `json:"payload_id"`
	Index     uint64             `json:"index"`
	Diff      FlashblockDiff     `json:"diff"`
	Metadata  FlashblockMetadata `json:"metadata"`
}

type FlashblockPublisher interface {
	Publish(fb *Flashblock) error
}

type nilPublisher struct{}

func (nilPublisher) Publish(*Flashblock) error { return nil }

// WebsocketPublisher streams flashblocks as JSON text messages to every
// connected subscriber. Slow subscribers miss messages instead of blocking
// the builder.
type WebsocketPublisher struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	subs   map[*wsSubscriber]struct{}
	closed bool
}

type wsSubscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewWebsocketPublisher() *WebsocketPublisher {
	return &WebsocketPublisher{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[*wsSubscriber]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection as subscriber.
func (p *WebsocketPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Flashblocks websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	sub := &wsSubscriber{
		conn: conn,
		send: make(chan []byte, subscriberBuffer),
		done: make(chan struct{}),
	}
	if err := p.add(sub); err != nil {
		log.Debug("Rejecting flashblocks subscriber", "remote", r.RemoteAddr, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}
	log.Debug("New flashblocks subscriber", "remote", r.RemoteAddr)

	go p.writeLoop(sub)
	p.readLoop(sub)
}

func (p *WebsocketPublisher) add(sub *wsSubscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPublisherClosed
	}
	if len(p.subs) >= wsMaxSubscribers {
		return errTooManySubs
	}
	p.subs[sub] = struct{}{}
	wsSubscribersGauge.Update(int64(len(p.subs)))
	return nil
}

func (p *WebsocketPublisher) remove(sub *wsSubscriber) {
	p.mu.Lock()
	delete(p.subs, sub)
	wsSubscribersGauge.Update(int64(len(p.subs)))
	p.mu.Unlock()

	sub.once.Do(func() {
		close(sub.done)
		sub.conn.Close()
	})
}

// readLoop only serves control frames and detects closed connections.
func (p *WebsocketPublisher) readLoop(sub *wsSubscriber) {
	defer p.remove(sub)
	sub.conn.SetReadLimit(wsReadLimitBytes)
	_ = sub.conn.SetReadDeadline(time.Now().Add(wsPongWaitTimeout))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(wsPongWaitTimeout))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *WebsocketPublisher) writeLoop(sub *wsSubscriber) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	defer p.remove(sub)

	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *WebsocketPublisher) Publish(fb *Flashblock) error {
	msg, err := json.Marshal(fb)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPublisherClosed
	}
	for sub := range p.subs {
		select {
		case sub.send <- msg:
		default:
			wsDroppedMeter.Mark(1)
		}
	}
	wsPublishedMeter.Mark(1)
	return nil
}

func (p *WebsocketPublisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close disconnects every subscriber and rejects new ones.
func (p *WebsocketPublisher) Close() {
	p.mu.Lock()
	p.closed = true
	subs := make([]*wsSubscriber, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.remove(sub)
	}
}
