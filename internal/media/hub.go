package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAlreadyAwaiting = errors.New("media: call already has a waiter")

// Hub pairs media streams that arrive on their own connection (carrier websockets)
// with the bridge that asks for them. Either side may come first.
type Hub struct {
	mu      sync.Mutex
	ready   map[string]Stream
	waiters map[string]chan Stream
	ttl     time.Duration
}

// NewHub returns a Hub that closes streams nobody claims within ttl.
func NewHub(ttl time.Duration) *Hub {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Hub{
		ready:   make(map[string]Stream),
		waiters: make(map[string]chan Stream),
		ttl:     ttl,
	}
}

// Deliver hands a freshly accepted stream to whoever awaits callID.
func (h *Hub) Deliver(callID string, s Stream) {
	h.mu.Lock()
	if ch, ok := h.waiters[callID]; ok {
		delete(h.waiters, callID)
		h.mu.Unlock()
		ch <- s
		return
	}
	old := h.ready[callID]
	h.ready[callID] = s
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	time.AfterFunc(h.ttl, func() {
		h.mu.Lock()
		cur, ok := h.ready[callID]
		if ok && cur == s {
			delete(h.ready, callID)
		}
		h.mu.Unlock()
		if ok && cur == s {
			_ = s.Close()
		}
	})
}

// Await blocks until a stream for callID is delivered or ctx ends.
func (h *Hub) Await(ctx context.Context, callID string) (Stream, error) {
	h.mu.Lock()
	if s, ok := h.ready[callID]; ok {
		delete(h.ready, callID)
		h.mu.Unlock()
		return s, nil
	}
	if _, ok := h.waiters[callID]; ok {
		h.mu.Unlock()
		return nil, ErrAlreadyAwaiting
	}
	ch := make(chan Stream, 1)
	h.waiters[callID] = ch
	h.mu.Unlock()

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		h.mu.Lock()
		if h.waiters[callID] == ch {
			delete(h.waiters, callID)
		}
		h.mu.Unlock()
		// Deliver may have raced us.
		select {
		case s := <-ch:
			_ = s.Close()
		default:
		}
		return nil, ctx.Err()
	}
}

// Drop forgets and closes any unclaimed stream for callID.
func (h *Hub) Drop(callID string) {
	h.mu.Lock()
	s, ok := h.ready[callID]
	delete(h.ready, callID)
	h.mu.Unlock()
	if ok {
		_ = s.Close()
	}
}
