package tracker

import (
	"strings"
	"sync"
)

// Registry owns one engine per subscribed novel. There is deliberately no
// package-level instance: whoever controls page/session lifetime creates a
// Registry and releases engines when the user navigates away.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	factory func(novelID string) *Engine
}

func NewRegistry(factory func(novelID string) *Engine) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		factory: factory,
	}
}

// Acquire returns the engine bound to a novel, creating it on first use.
func (r *Registry) Acquire(novelID string) *Engine {
	novelID = strings.TrimSpace(novelID)
	if novelID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.engines[novelID]
	if e == nil {
		e = r.factory(novelID)
		r.engines[novelID] = e
	}
	return e
}

// Get looks an engine up without creating one.
func (r *Registry) Get(novelID string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[strings.TrimSpace(novelID)]
	return e, ok
}

// Release disconnects and drops the engine for a novel. No-op when none
// exists.
func (r *Registry) Release(novelID string) {
	novelID = strings.TrimSpace(novelID)
	r.mu.Lock()
	e := r.engines[novelID]
	delete(r.engines, novelID)
	r.mu.Unlock()
	if e != nil {
		e.Disconnect()
	}
}

// Len reports how many engines are currently held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}
