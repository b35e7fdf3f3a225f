package core

import (
	"context"
	"time"

	"gwi.com/chatsync/internal/store"
)

// LogStore is the durable, authoritative log of sessions and messages.
type LogStore interface {
	CreateSession(ctx context.Context, userKey string) (*store.Session, error)
	// DeleteSession must remove the session's messages before the session.
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, userKey string, limit int) ([]store.Session, error)
	// GetSession returns nil, nil when the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	// ListMessages returns confirmed messages oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]store.Message, error)
	// InsertMessage fills in ID and CreatedAt. created is false when
	// msg.ClientID had already been inserted and the existing row was returned.
	InsertMessage(ctx context.Context, msg *store.Message) (created bool, err error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
	CountMessages(ctx context.Context, sessionID string) (int, error)
	// SubscribeInserts calls onInsert after every committed insert into the
	// session. onInsert must not block.
	SubscribeInserts(sessionID string, onInsert func()) (unsubscribe func())
}

// CallerContext identifies who is talking to the reply generator. Only
// UserKey is required; the profile fields are passed through when known.
type CallerContext struct {
	UserKey            string
	Name               string
	Email              string
	CPF                string
	AvatarURL          string
	SubscriptionActive bool
	IsActive           bool
	PlanID             string
	CreatedAt          time.Time
}

type ReplyRequest struct {
	Content   string
	SessionID string
	Caller    CallerContext
	SentAt    time.Time
}

type Reply struct {
	Content  string
	Metadata map[string]any
}

// ReplyGenerator turns a user message into an assistant reply.
type ReplyGenerator interface {
	RequestReply(ctx context.Context, req ReplyRequest) (*Reply, error)
}
