package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DaanHessen/fitcheck/internal/engine"
)

type sessionEntry struct {
	ctrl     *engine.Controller
	lastSeen time.Time
	uid      string
	stop     func()
}

// Registry holds the live dressing sessions, keyed by session cookie.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*sessionEntry
	factory   func() *engine.Controller
	subscribe func(uid string) (<-chan engine.Entitlement, func())
	onSize    func(int)
	now       func() time.Time
}

// NewRegistry creates sessions with factory. subscribe, when set, streams
// entitlement pushes into sessions bound to a user.
func NewRegistry(factory func() *engine.Controller, subscribe func(string) (<-chan engine.Entitlement, func()), onSize func(int)) *Registry {
	if onSize == nil {
		onSize = func(int) {}
	}
	return &Registry{
		entries:   map[string]*sessionEntry{},
		factory:   factory,
		subscribe: subscribe,
		onSize:    onSize,
		now:       time.Now,
	}
}

// Get returns a live session and marks it used.
func (r *Registry) Get(id string) (*engine.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	e.lastSeen = r.now()
	return e.ctrl, true
}

// Create starts a new session.
func (r *Registry) Create() (string, *engine.Controller) {
	id := uuid.NewString()
	ctrl := r.factory()
	r.mu.Lock()
	r.entries[id] = &sessionEntry{ctrl: ctrl, lastSeen: r.now(), stop: func() {}}
	n := len(r.entries)
	r.mu.Unlock()
	r.onSize(n)
	return id, ctrl
}

// Bind attaches the session to uid's live entitlement stream. An empty uid
// detaches it.
func (r *Registry) Bind(id, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.uid == uid {
		return
	}
	e.stop()
	e.stop = func() {}
	e.uid = uid
	if uid == "" || r.subscribe == nil {
		return
	}
	ch, cancel := r.subscribe(uid)
	ctx, stopFollow := context.WithCancel(context.Background())
	go e.ctrl.Follow(ctx, ch)
	e.stop = func() {
		stopFollow()
		cancel()
	}
}

// Sweep drops sessions idle for longer than ttl and returns how many.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)
	r.mu.Lock()
	dropped := 0
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			e.stop()
			delete(r.entries, id)
			dropped++
		}
	}
	n := len(r.entries)
	r.mu.Unlock()
	if dropped > 0 {
		r.onSize(n)
	}
	return dropped
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close detaches every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.stop()
		delete(r.entries, id)
	}
}
