package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

// PlaceholderTitle is shown for sessions whose title has not been derived yet.
const PlaceholderTitle = "New conversation"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

type Session struct {
	ID           string    `json:"id"` // UUID
	UserKey      string    `json:"user_key"`
	Title        *string   `json:"title"` // Nullable until the first message
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// DisplayTitle returns the title or the placeholder when none is set.
func (s *Session) DisplayTitle() string {
	if s.Title == nil || *s.Title == "" {
		return PlaceholderTitle
	}
	return *s.Title
}

type Message struct {
	ID        string         `json:"id"`                  // UUID, or a tmp_ id while local
	ClientID  string         `json:"client_id,omitempty"` // idempotency key sent with the insert
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"` // assistant rows only
}
