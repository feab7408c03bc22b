package miner

import (
	"bytes"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	// minTxDASize is the floor applied to every compressed size estimate.
	minTxDASize = 100

	defaultDACompressionLevel = 10
)

type DAEstimator interface {
	EstimateDASize(tx *types.Transaction) uint64
}

// BrotliDAEstimator estimates the DA footprint of a transaction as the size
// of its compressed envelope.
type BrotliDAEstimator struct {
	level int
	bufs  sync.Pool
}

func NewBrotliDAEstimator(level int) *BrotliDAEstimator {
	if level < brotli.BestSpeed || level > brotli.BestCompression {
		level = defaultDACompressionLevel
	}
	return &BrotliDAEstimator{
		level: level,
		bufs:  sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

func (e *BrotliDAEstimator) EstimateDASize(tx *types.Transaction) uint64 {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return minTxDASize
	}

	buf := e.bufs.Get().(*bytes.Buffer)
	defer e.bufs.Put(buf)
	buf.Reset()

	w := brotli.NewWriterLevel(buf, e.level)
	if _, err := w.Write(raw); err != nil {
		return uint64(len(raw))
	}
	if err := w.Close(); err != nil {
		return uint64(len(raw))
	}
	if size := uint64(buf.Len()); size > minTxDASize {
		return size
	}
	return minTxDASize
}
