package core

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InsertSubscriber is the push side of the log store.
type InsertSubscriber interface {
	SubscribeInserts(sessionID string, onInsert func()) (unsubscribe func())
}

// Listener keeps exactly one insert subscription, for the active session.
// Notifications only trigger refresh; their payload is never used.
type Listener struct {
	subscriber InsertSubscriber
	refresh    func(ctx context.Context, sessionID string)
	logger     *zap.Logger

	mu      sync.Mutex
	current *subscription
}

type subscription struct {
	sessionID   string
	unsubscribe func()
	trigger     chan struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewListener(subscriber InsertSubscriber, refresh func(ctx context.Context, sessionID string), logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{subscriber: subscriber, refresh: refresh, logger: logger}
}

// Switch drops the current subscription and, for a non-empty id, subscribes
// to the new session.
func (l *Listener) Switch(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil && l.current.sessionID == sessionID {
		return
	}
	l.stopLocked()
	if sessionID == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		sessionID: sessionID,
		trigger:   make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sub.unsubscribe = l.subscriber.SubscribeInserts(sessionID, func() {
		select {
		case sub.trigger <- struct{}{}:
		default: // a refresh is already pending
		}
	})
	go l.run(ctx, sub)
	l.current = sub
	l.logger.Debug("Subscribed to inserts", zap.String("session_id", sessionID))
}

func (l *Listener) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.trigger:
			l.refresh(ctx, sub.sessionID)
		}
	}
}

// SessionID returns the session currently subscribed to, if any.
func (l *Listener) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.sessionID
}

// Stop tears down the subscription and waits for its goroutine to exit.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *Listener) stopLocked() {
	if l.current == nil {
		return
	}
	sub := l.current
	l.current = nil
	sub.unsubscribe()
	sub.cancel()
	<-sub.done
	l.logger.Debug("Unsubscribed from inserts", zap.String("session_id", sub.sessionID))
}
