package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gwi.com/chatsync/internal/store"
)

var errTransport = errors.New("connection reset by peer")

// memStore is an in-memory LogStore with failure and latency hooks.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	messages map[string][]store.Message
	nextID   int
	now      func() time.Time
	notifier *store.Notifier

	failCreate   error
	failList     error
	failInsert   func(msg store.Message) error
	beforeList   func(ctx context.Context, sessionID string)
	beforeGet    func(ctx context.Context, sessionID string)
	beforeInsert func(msg store.Message)
	listCalls    int
	insertCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*store.Session),
		messages: make(map[string][]store.Message),
		now:      time.Now,
		notifier: store.NewNotifier(),
	}
}

func (s *memStore) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func (s *memStore) CreateSession(ctx context.Context, userKey string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	now := s.now()
	sess := &store.Session{ID: s.id("sess"), UserKey: userKey, CreatedAt: now, UpdatedAt: now}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *memStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return store.ErrNotFound
	}
	delete(s.messages, sessionID)
	delete(s.sessions, sessionID)
	return nil
}

func (s *memStore) ListSessions(ctx context.Context, userKey string, limit int) ([]store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failList != nil {
		return nil, s.failList
	}
	var out []store.Session
	for _, sess := range s.sessions {
		if sess.UserKey == userKey {
			cp := *sess
			cp.MessageCount = len(s.messages[sess.ID])
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	s.mu.Lock()
	hook := s.beforeGet
	sess, ok := s.sessions[sessionID]
	var cp store.Session
	if ok {
		cp = *sess
		cp.MessageCount = len(s.messages[sessionID])
	}
	s.mu.Unlock()

	if hook != nil {
		hook(ctx, sessionID)
	}
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *memStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	s.mu.Lock()
	s.listCalls++
	hook := s.beforeList
	snapshot := append([]store.Message(nil), s.messages[sessionID]...)
	s.mu.Unlock()

	// The snapshot is taken first so a delayed hook models a response that
	// is already out of date when it arrives.
	if hook != nil {
		hook(ctx, sessionID)
	}
	return snapshot, nil
}

func (s *memStore) InsertMessage(ctx context.Context, msg *store.Message) (bool, error) {
	s.mu.Lock()
	hook := s.beforeInsert
	s.mu.Unlock()
	if hook != nil {
		hook(*msg)
	}

	s.mu.Lock()
	s.insertCalls++
	if s.failInsert != nil {
		if err := s.failInsert(*msg); err != nil {
			s.mu.Unlock()
			return false, err
		}
	}
	sess, ok := s.sessions[msg.SessionID]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("session %s does not exist", msg.SessionID)
	}
	if msg.ClientID != "" {
		for _, m := range s.messages[msg.SessionID] {
			if m.ClientID == msg.ClientID {
				*msg = m
				s.mu.Unlock()
				return false, nil
			}
		}
	}
	msg.ID = s.id("msg")
	msg.CreatedAt = s.now()
	if msg.Status == "" {
		msg.Status = store.StatusSent
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], *msg)
	sess.UpdatedAt = msg.CreatedAt
	s.mu.Unlock()

	s.notifier.Publish(msg.SessionID)
	return true, nil
}

func (s *memStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	sess.Title = &title
	return nil
}

func (s *memStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[sessionID]), nil
}

func (s *memStore) SubscribeInserts(sessionID string, onInsert func()) func() {
	return s.notifier.Subscribe(sessionID, onInsert)
}

// externalInsert writes a row the way another client would, without a
// client id.
func (s *memStore) externalInsert(sessionID string, role store.Role, content string) {
	msg := store.Message{SessionID: sessionID, Role: role, Content: content}
	if _, err := s.InsertMessage(context.Background(), &msg); err != nil {
		panic(err)
	}
}

func (s *memStore) reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *memStore) title(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok && sess.Title != nil {
		return *sess.Title
	}
	return ""
}

// replyFunc adapts a function to ReplyGenerator.
type replyFunc func(ctx context.Context, req ReplyRequest) (*Reply, error)

func (f replyFunc) RequestReply(ctx context.Context, req ReplyRequest) (*Reply, error) {
	return f(ctx, req)
}

func echoReplier(prefix string) replyFunc {
	return func(ctx context.Context, req ReplyRequest) (*Reply, error) {
		return &Reply{Content: prefix + req.Content, Metadata: map[string]any{"source": "test"}}, nil
	}
}
