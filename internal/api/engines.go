package api

import (
	"sync"

	"gwi.com/chatsync/internal/core"
)

// EngineFactory builds the engine for one user.
type EngineFactory func(userKey string) *core.Engine

// EngineRegistry keeps one engine per user key, so each user has a single
// active session, overlay and realtime subscription.
type EngineRegistry struct {
	mu      sync.Mutex
	engines map[string]*core.Engine
	factory EngineFactory
}

func NewEngineRegistry(factory EngineFactory) *EngineRegistry {
	return &EngineRegistry{
		engines: make(map[string]*core.Engine),
		factory: factory,
	}
}

func (r *EngineRegistry) Get(userKey string) *core.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[userKey]; ok {
		return e
	}
	e := r.factory(userKey)
	r.engines[userKey] = e
	return e
}

// Close stops every engine's realtime subscription.
func (r *EngineRegistry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*core.Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.Close()
	}
}
