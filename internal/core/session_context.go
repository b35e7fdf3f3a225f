package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"gwi.com/chatsync/internal/store"
)

const (
	DefaultMetadataTTL = 5 * time.Minute
	DefaultMessagesTTL = 30 * time.Second

	maxReadAttempts = 3
)

// SessionContext tracks the active session and caches its metadata and
// confirmed messages. Every switch or invalidation starts a new generation;
// reads that resolve for an older generation are discarded and their
// requests cancelled.
type SessionContext struct {
	store       LogStore
	logger      *zap.Logger
	metadataTTL time.Duration
	messagesTTL time.Duration
	now         func() time.Time
	group       singleflight.Group

	mu        sync.Mutex
	activeID  string
	gen       uint64
	genCtx    context.Context
	genCancel context.CancelFunc

	meta    *store.Session
	metaAt  time.Time
	metaGen uint64

	msgs     []store.Message
	msgsAt   time.Time
	msgsOK   bool
	lastGood []store.Message
}

func NewSessionContext(st LogStore, metadataTTL, messagesTTL time.Duration, now func() time.Time, logger *zap.Logger) *SessionContext {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &SessionContext{
		store:       st,
		logger:      logger,
		metadataTTL: metadataTTL,
		messagesTTL: messagesTTL,
		now:         now,
	}
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	return c
}

func (c *SessionContext) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// SetActive switches the active session. An empty id means no session.
func (c *SessionContext) SetActive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = sessionID
	c.meta = nil
	c.metaGen++
	c.lastGood = nil
	c.nextGenerationLocked()
}

// Invalidate drops cached messages and cancels reads in flight.
func (c *SessionContext) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextGenerationLocked()
}

func (c *SessionContext) InvalidateMetadata() {
	c.mu.Lock()
	c.meta = nil
	c.metaGen++
	c.mu.Unlock()
}

func (c *SessionContext) nextGenerationLocked() {
	c.genCancel()
	c.gen++
	c.genCtx, c.genCancel = context.WithCancel(context.Background())
	c.msgs = nil
	c.msgsOK = false
}

// Close cancels any read still in flight.
func (c *SessionContext) Close() {
	c.mu.Lock()
	c.genCancel()
	c.mu.Unlock()
}

// LoadSession returns the active session's metadata, or nil when no session
// is active. Like LoadMessages, a result that lands after the metadata was
// invalidated is retried rather than cached.
func (c *SessionContext) LoadSession(ctx context.Context) (*store.Session, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		c.mu.Lock()
		id, metaGen, genCtx := c.activeID, c.metaGen, c.genCtx
		if id == "" {
			c.mu.Unlock()
			return nil, nil
		}
		if c.meta != nil && c.now().Sub(c.metaAt) < c.metadataTTL {
			sess := *c.meta
			c.mu.Unlock()
			return &sess, nil
		}
		c.mu.Unlock()

		ch := c.group.DoChan(fmt.Sprintf("session:%s:%d", id, metaGen), func() (any, error) {
			return c.store.GetSession(genCtx, id)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}

		c.mu.Lock()
		if c.activeID != id || c.metaGen != metaGen {
			c.mu.Unlock()
			continue
		}
		if res.Err != nil {
			c.mu.Unlock()
			if genCtx.Err() != nil {
				continue
			}
			return nil, res.Err
		}
		sess, _ := res.Val.(*store.Session)
		if sess == nil {
			c.mu.Unlock()
			return nil, ErrSessionNotFound
		}
		cached := *sess
		c.meta, c.metaAt = &cached, c.now()
		c.mu.Unlock()
		return sess, nil
	}
	return nil, ErrStaleRead
}

// LoadMessages returns the active session's confirmed messages, oldest first.
// A response that lands after a switch or an invalidation is never returned
// or cached; the read is retried against the current generation instead.
func (c *SessionContext) LoadMessages(ctx context.Context) ([]store.Message, error) {
	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		c.mu.Lock()
		id, gen, genCtx := c.activeID, c.gen, c.genCtx
		if id == "" {
			c.mu.Unlock()
			return nil, nil
		}
		if c.msgsOK && c.now().Sub(c.msgsAt) < c.messagesTTL {
			out := slices.Clone(c.msgs)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()

		ch := c.group.DoChan(fmt.Sprintf("messages:%s:%d", id, gen), func() (any, error) {
			return c.store.ListMessages(genCtx, id)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res = <-ch:
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			c.logger.Debug("Discarding stale message read", zap.String("session_id", id), zap.Uint64("generation", gen))
			continue
		}
		if res.Err != nil {
			c.mu.Unlock()
			return nil, res.Err
		}
		msgs, _ := res.Val.([]store.Message)
		c.msgs, c.msgsAt, c.msgsOK = msgs, c.now(), true
		c.lastGood = msgs
		out := slices.Clone(msgs)
		c.mu.Unlock()
		return out, nil
	}
	return nil, ErrStaleRead
}

// LastConfirmed returns the most recent successful read for the active
// session, whatever its age.
func (c *SessionContext) LastConfirmed() []store.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lastGood)
}
