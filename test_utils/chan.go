package test_utils

import "time"

type ChanResult[V any] struct {
	Value   V
	Timeout bool
}

// RequireChan waits up to timeout for the next value on ch.
func RequireChan[V any](ch <-chan V, timeout time.Duration) ChanResult[V] {
	var v V
	select {
	case v = <-ch:
		return ChanResult[V]{v, false}
	case <-time.After(timeout):
		return ChanResult[V]{v, true}
	}
}

// DrainChan returns every value already buffered in ch without blocking.
func DrainChan[V any](ch <-chan V) []V {
	var res []V
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return res
			}
			res = append(res, v)
		default:
			return res
		}
	}
}
