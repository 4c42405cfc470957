package store

import (
	"sync"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

// Hub fans out entitlement changes to live subscribers, keyed by user id.
// Slow subscribers only ever see the latest value.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan engine.Entitlement]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[string]map[chan engine.Entitlement]struct{}{}}
}

// Subscribe returns a channel of entitlement updates for uid and a cancel
// function that closes it.
func (h *Hub) Subscribe(uid string) (<-chan engine.Entitlement, func()) {
	ch := make(chan engine.Entitlement, 1)
	h.mu.Lock()
	if h.subs[uid] == nil {
		h.subs[uid] = map[chan engine.Entitlement]struct{}{}
	}
	h.subs[uid][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[uid], ch)
			if len(h.subs[uid]) == 0 {
				delete(h.subs, uid)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber of e.UserID.
func (h *Hub) Publish(e engine.Entitlement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.UserID] {
		select {
		case ch <- e:
		default:
			// drop the stale value and keep the newest
			select {
			case <-ch:
			default:
			}
			ch <- e
		}
	}
}

// Subscribers counts live subscriptions for uid.
func (h *Hub) Subscribers(uid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[uid])
}
