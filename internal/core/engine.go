package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"gwi.com/chatsync/internal/store"
)

const DefaultReplyTimeout = 45 * time.Second

type Options struct {
	UserKey string
	Caller  CallerContext

	ReplyTimeout    time.Duration
	SupersedeWindow time.Duration
	PageSize        int
	TitleMaxChars   int
	MetadataTTL     time.Duration
	MessagesTTL     time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultReplyTimeout
	}
	if o.SupersedeWindow <= 0 {
		o.SupersedeWindow = DefaultSupersedeWindow
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultSessionPageSize
	}
	if o.TitleMaxChars <= 0 {
		o.TitleMaxChars = DefaultTitleMaxChars
	}
	if o.MetadataTTL <= 0 {
		o.MetadataTTL = DefaultMetadataTTL
	}
	if o.MessagesTTL <= 0 {
		o.MessagesTTL = DefaultMessagesTTL
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Caller.UserKey == "" {
		o.Caller.UserKey = o.UserKey
	}
	return o
}

// Engine is one user's view of their conversations. It sends messages with an
// optimistic local echo, persists both sides of the exchange and merges the
// local echo with the confirmed log on every read.
type Engine struct {
	opts      Options
	store     LogStore
	replies   ReplyGenerator
	logger    *zap.Logger
	directory *Directory
	session   *SessionContext
	overlay   *Overlay
	listener  *Listener

	mu       sync.Mutex
	inFlight map[string]bool
	watchers map[int]func()
	nextW    int
	closed   bool
}

func NewEngine(st LogStore, replies ReplyGenerator, opts Options) *Engine {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("user_key", opts.UserKey))

	e := &Engine{
		opts:      opts,
		store:     st,
		replies:   replies,
		logger:    logger,
		directory: NewDirectory(st, opts.UserKey, opts.PageSize, opts.TitleMaxChars, logger),
		session:   NewSessionContext(st, opts.MetadataTTL, opts.MessagesTTL, opts.Now, logger),
		overlay:   NewOverlay(),
		inFlight:  make(map[string]bool),
		watchers:  make(map[int]func()),
	}
	e.listener = NewListener(st, e.refreshFromPush, logger)
	return e
}

// SendMessage sends content to the active session, creating one first when
// none is active. A failure after the optimistic entry exists leaves that
// entry visible in the error state and is also returned.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}

	sessionID := e.session.ActiveID()
	if sessionID == "" {
		sess, err := e.directory.Create(ctx)
		if err != nil {
			e.logger.Error("Aborting send, session could not be created", zap.Error(err))
			return err
		}
		e.adopt(sess.ID)
		sessionID = sess.ID
	}

	tempID := newTempID()
	pending := store.Message{
		ID:        tempID,
		ClientID:  tempID,
		SessionID: sessionID,
		Role:      store.RoleUser,
		Content:   content,
		CreatedAt: e.opts.Now(),
	}
	return e.deliver(ctx, pending)
}

// RetryMessage re-sends an errored entry under a fresh temporary id. The
// idempotency key of the first attempt is kept so a user row that did reach
// the store is not written twice.
func (e *Engine) RetryMessage(ctx context.Context, tempID string) error {
	entry, ok := e.overlay.TakeErrored(tempID)
	if !ok {
		return ErrNotRetryable
	}

	pending := entry
	pending.ID = newTempID()
	pending.CreatedAt = e.opts.Now()
	if pending.ClientID == "" {
		pending.ClientID = pending.ID
	}
	e.logger.Info("Retrying message", zap.String("session_id", pending.SessionID), zap.String("previous_id", tempID), zap.String("temp_id", pending.ID))
	return e.deliver(ctx, pending)
}

func (e *Engine) deliver(ctx context.Context, pending store.Message) error {
	e.beginSend(pending.ID)
	defer e.endSend(pending.ID)
	log := e.logger.With(zap.String("session_id", pending.SessionID), zap.String("temp_id", pending.ID))

	e.overlay.Append(pending)
	e.notify()

	// Nothing read before this point may overwrite what is written next.
	e.session.Invalidate()

	row := store.Message{
		ClientID:  pending.ClientID,
		SessionID: pending.SessionID,
		Role:      store.RoleUser,
		Content:   pending.Content,
		Status:    store.StatusSent,
	}
	created, err := e.store.InsertMessage(ctx, &row)
	if err != nil {
		return e.fail(log, pending, fmt.Errorf("failed to store user message: %w", err))
	}
	// A read that started while the insert was in flight may have cached a
	// list without the new row.
	e.session.Invalidate()
	e.overlay.Remove(pending.ID)
	if created {
		e.deriveTitle(ctx, log, pending.SessionID, pending.Content)
	}
	e.notify()

	reply, err := e.requestReply(ctx, pending)
	if err != nil {
		return e.fail(log, pending, err)
	}

	assistant := store.Message{
		SessionID: pending.SessionID,
		Role:      store.RoleAssistant,
		Content:   reply.Content,
		Status:    store.StatusSent,
		Metadata:  reply.Metadata,
	}
	if _, err := e.store.InsertMessage(ctx, &assistant); err != nil {
		return e.fail(log, pending, fmt.Errorf("failed to store assistant message: %w", err))
	}

	e.overlay.Settle(e.inFlightExcept(pending.ID))
	e.session.Invalidate()
	e.session.InvalidateMetadata()
	if _, err := e.session.LoadMessages(ctx); err != nil {
		log.Warn("Refreshing messages after send failed", zap.Error(err))
	}
	e.notify()
	log.Debug("Message exchange settled", zap.String("assistant_id", assistant.ID))
	return nil
}

func (e *Engine) fail(log *zap.Logger, pending store.Message, err error) error {
	e.overlay.Fail(pending)
	e.session.Invalidate()
	e.notify()
	log.Warn("Send failed, message marked as error", zap.Error(err))
	return err
}

// deriveTitle names the session after its first message. Titles are never
// recomputed afterwards, even if that message is later removed.
func (e *Engine) deriveTitle(ctx context.Context, log *zap.Logger, sessionID, content string) {
	count, err := e.store.CountMessages(ctx, sessionID)
	if err != nil {
		log.Warn("Counting messages for title failed", zap.Error(err))
		return
	}
	if count != 1 {
		return
	}
	title := DeriveTitle(content, e.opts.TitleMaxChars)
	if err := e.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		log.Warn("Saving session title failed", zap.String("title", title), zap.Error(err))
		return
	}
	e.session.InvalidateMetadata()
	log.Info("Session titled", zap.String("title", title))
}

func (e *Engine) requestReply(ctx context.Context, pending store.Message) (*Reply, error) {
	replyCtx, cancel := context.WithTimeout(ctx, e.opts.ReplyTimeout)
	defer cancel()

	reply, err := e.replies.RequestReply(replyCtx, ReplyRequest{
		Content:   pending.Content,
		SessionID: pending.SessionID,
		Caller:    e.opts.Caller,
		SentAt:    pending.CreatedAt,
	})
	if err != nil {
		if errors.Is(replyCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrReplyTimeout, e.opts.ReplyTimeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrReplyFailed, err)
	}
	if reply == nil || strings.TrimSpace(reply.Content) == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrReplyFailed)
	}
	return reply, nil
}

// refreshFromPush runs on the listener goroutine after an insert notification.
func (e *Engine) refreshFromPush(ctx context.Context, sessionID string) {
	if e.session.ActiveID() != sessionID {
		return
	}
	e.session.Invalidate()
	if _, err := e.session.LoadMessages(ctx); err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Realtime refresh failed, keeping previous view", zap.String("session_id", sessionID), zap.Error(err))
		}
		return
	}
	e.notify()
}

// CreateNewSession creates an empty session and makes it active.
func (e *Engine) CreateNewSession(ctx context.Context) (*store.Session, error) {
	sess, err := e.directory.Create(ctx)
	if err != nil {
		return nil, err
	}
	e.adopt(sess.ID)
	return sess, nil
}

// SelectSession makes sessionID active. An empty id clears the selection.
func (e *Engine) SelectSession(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		if _, err := e.directory.Owned(ctx, sessionID); err != nil {
			return err
		}
	}
	if sessionID == e.session.ActiveID() {
		return nil
	}
	e.adopt(sessionID)
	return nil
}

func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.directory.Delete(ctx, sessionID); err != nil {
		return err
	}
	if e.session.ActiveID() == sessionID {
		e.adopt("")
	} else {
		e.notify()
	}
	return nil
}

func (e *Engine) RenameSession(ctx context.Context, sessionID, title string) error {
	if err := e.directory.Rename(ctx, sessionID, title); err != nil {
		return err
	}
	if e.session.ActiveID() == sessionID {
		e.session.InvalidateMetadata()
	}
	e.notify()
	return nil
}

// adopt makes sessionID active, dropping predictions made for the previous
// session and moving the realtime subscription.
func (e *Engine) adopt(sessionID string) {
	e.session.SetActive(sessionID)
	e.overlay.Clear()
	e.listener.Switch(sessionID)
	e.notify()
}

// Messages is the rendered list: confirmed rows merged with pending entries.
// When the store cannot be read the last confirmed list is used.
func (e *Engine) Messages(ctx context.Context) []store.Message {
	sessionID := e.session.ActiveID()
	if sessionID == "" {
		return []store.Message{}
	}
	confirmed, err := e.session.LoadMessages(ctx)
	if err != nil {
		e.logger.Warn("Loading messages failed, using last known view", zap.String("session_id", sessionID), zap.Error(err))
		confirmed = e.session.LastConfirmed()
	}
	return Reconcile(confirmed, e.overlay.ForSession(sessionID), e.opts.SupersedeWindow)
}

// ActiveSession returns the active session's metadata, or nil if none.
func (e *Engine) ActiveSession(ctx context.Context) (*store.Session, error) {
	return e.session.LoadSession(ctx)
}

func (e *Engine) ActiveSessionID() string {
	return e.session.ActiveID()
}

func (e *Engine) Sessions(ctx context.Context) []store.Session {
	return e.directory.List(ctx)
}

// IsLoading reports whether a send is in flight.
func (e *Engine) IsLoading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight) > 0
}

// Watch registers fn to be called whenever the rendered list may have
// changed. fn runs on the caller's goroutine and must not block or call back
// into the engine.
func (e *Engine) Watch(fn func()) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextW
	e.nextW++
	e.watchers[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.watchers, id)
		e.mu.Unlock()
	}
}

// Close stops the realtime subscription and cancels outstanding reads.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.listener.Stop()
	e.session.Close()
}

func (e *Engine) notify() {
	e.mu.Lock()
	fns := make([]func(), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *Engine) beginSend(tempID string) {
	e.mu.Lock()
	e.inFlight[tempID] = true
	e.mu.Unlock()
}

func (e *Engine) endSend(tempID string) {
	e.mu.Lock()
	delete(e.inFlight, tempID)
	e.mu.Unlock()
}

func (e *Engine) inFlightExcept(tempID string) map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.inFlight))
	for id := range e.inFlight {
		if id != tempID {
			out[id] = true
		}
	}
	return out
}
