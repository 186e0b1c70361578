package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

type box struct {
	client redis.UniversalClient
}

// Holder hands out the current redis client and lets the health loop
// replace it on reconnect without interrupting readers.
type Holder struct {
	cur atomic.Pointer[box]
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.cur.Store(&box{client: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	if b := h.cur.Load(); b != nil {
		return b.client
	}
	return nil
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	prev := h.cur.Swap(&box{client: newc})
	if prev != nil {
		old = prev.client
	}
	return old
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
