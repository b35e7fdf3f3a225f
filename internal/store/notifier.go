package store

import "sync"

// Notifier fans committed-insert events out to per-session subscribers.
// Callbacks run synchronously on the publishing goroutine and must not block.
type Notifier struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func()
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[uint64]func())}
}

func (n *Notifier) Subscribe(sessionID string, fn func()) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[uint64]func())
	}
	n.subs[sessionID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[sessionID], id)
			if len(n.subs[sessionID]) == 0 {
				delete(n.subs, sessionID)
			}
		})
	}
}

// SubscribeInserts lets a Notifier stand in wherever an insert subscription
// source is expected.
func (n *Notifier) SubscribeInserts(sessionID string, onInsert func()) (unsubscribe func()) {
	return n.Subscribe(sessionID, onInsert)
}

func (n *Notifier) Publish(sessionID string) {
	n.mu.RLock()
	fns := make([]func(), 0, len(n.subs[sessionID]))
	for _, fn := range n.subs[sessionID] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// Subscribers reports how many callbacks are registered for sessionID.
func (n *Notifier) Subscribers(sessionID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[sessionID])
}
