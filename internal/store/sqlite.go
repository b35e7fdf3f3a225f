package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned by updates and deletes that matched no row.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db       *sql.DB
	notifier *Notifier
	now      func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withForeignKeys(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		notifier: NewNotifier(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on"
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS sessions (
        id TEXT PRIMARY KEY, -- UUID
        user_key TEXT NOT NULL,
        title TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_user_updated ON sessions (user_key, updated_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        client_id TEXT,
        session_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        content TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sending', 'sent', 'error')),
        metadata_json TEXT,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (session_id) REFERENCES sessions (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages (session_id, created_at);
    CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client ON messages (session_id, client_id) WHERE client_id IS NOT NULL;
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, password_hash, created_at) VALUES (?, ?, ?)", externalUserID, passwordHash, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()

	var user User
	err = s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Session methods
func (s *SQLiteStore) CreateSession(ctx context.Context, userKey string) (*Session, error) {
	now := s.now()
	sess := &Session{ID: uuid.NewString(), UserKey: userKey, CreatedAt: now, UpdatedAt: now}

	_, err := s.db.ExecContext(ctx, "INSERT INTO sessions (id, user_key, title, created_at, updated_at) VALUES (?, ?, NULL, ?, ?)",
		sess.ID, sess.UserKey, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to execute session insert: %w", err)
	}
	return sess, nil
}

const sessionColumns = `s.id, s.user_key, s.title, s.created_at, s.updated_at,
        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var title sql.NullString
	if err := row.Scan(&sess.ID, &sess.UserKey, &title, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount); err != nil {
		return nil, err
	}
	if title.Valid {
		sess.Title = &title.String
	}
	return &sess, nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.id = ?", sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userKey string, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.user_key = ? ORDER BY s.updated_at DESC, s.rowid DESC LIMIT ?", userKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ListUntitledSessions returns every session, across users, that still has no title.
func (s *SQLiteStore) ListUntitledSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.title IS NULL ORDER BY s.created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query untitled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET title = ? WHERE id = ?", title, sessionID)
	if err != nil {
		return fmt.Errorf("failed to execute session title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// DeleteSession removes the messages of a session before the session itself.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// Message methods

// InsertMessage persists msg, filling in ID and CreatedAt. When msg.ClientID
// was already inserted for the session, the stored row is copied into msg,
// no new row is written and created is false.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (created bool, err error) {
	var metadataJSON sql.NullString
	if len(msg.Metadata) > 0 {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	if msg.ClientID != "" {
		row := tx.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND client_id = ?", msg.SessionID, msg.ClientID)
		existing, err := scanMessage(row)
		if err == nil {
			*msg = *existing
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()

	var clientID sql.NullString
	if msg.ClientID != "" {
		clientID = sql.NullString{String: msg.ClientID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO messages (id, client_id, session_id, role, content, status, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, clientID, msg.SessionID, msg.Role, msg.Content, msg.Status, metadataJSON, msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to execute message insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET updated_at = ? WHERE id = ?", msg.CreatedAt, msg.SessionID); err != nil {
		return false, fmt.Errorf("failed to bump session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit message insert: %w", err)
	}

	s.notifier.Publish(msg.SessionID)
	return true, nil
}

const messageColumns = "id, client_id, session_id, role, content, status, metadata_json, created_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var msg Message
	var clientID, metadataJSON sql.NullString
	if err := row.Scan(&msg.ID, &clientID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Status, &metadataJSON, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.ClientID = clientID.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata for message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

// ListMessages returns the messages of a session, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE session_id = ? ORDER BY created_at ASC, rowid ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// FirstUserMessage returns the oldest user message of a session, or nil.
func (s *SQLiteStore) FirstUserMessage(ctx context.Context, sessionID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE session_id = ? AND role = ? ORDER BY created_at ASC, rowid ASC LIMIT 1", sessionID, RoleUser)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query first user message: %w", err)
	}
	return msg, nil
}

// SubscribeInserts registers onInsert for committed inserts into sessionID.
func (s *SQLiteStore) SubscribeInserts(sessionID string, onInsert func()) (unsubscribe func()) {
	return s.notifier.Subscribe(sessionID, onInsert)
}
