package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gwi.com/chatsync/internal/store"
)

const DefaultSessionPageSize = 20

// Directory lists and manages the sessions owned by one user.
type Directory struct {
	store         LogStore
	userKey       string
	pageSize      int
	titleMaxChars int
	logger        *zap.Logger
}

func NewDirectory(st LogStore, userKey string, pageSize, titleMaxChars int, logger *zap.Logger) *Directory {
	if pageSize <= 0 {
		pageSize = DefaultSessionPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		store:         st,
		userKey:       userKey,
		pageSize:      pageSize,
		titleMaxChars: titleMaxChars,
		logger:        logger,
	}
}

// List returns the most recently updated sessions. History is not on the
// critical path, so a failed read yields an empty list.
func (d *Directory) List(ctx context.Context) []store.Session {
	sessions, err := d.store.ListSessions(ctx, d.userKey, d.pageSize)
	if err != nil {
		d.logger.Warn("Listing sessions failed, showing no history", zap.String("user_key", d.userKey), zap.Error(err))
		return []store.Session{}
	}
	if sessions == nil {
		return []store.Session{}
	}
	return sessions
}

func (d *Directory) Create(ctx context.Context) (*store.Session, error) {
	sess, err := d.store.CreateSession(ctx, d.userKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionCreate, err)
	}
	d.logger.Debug("Session created", zap.String("session_id", sess.ID))
	return sess, nil
}

// Owned loads a session and checks that it belongs to the directory's user.
func (d *Directory) Owned(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess == nil || sess.UserKey != d.userKey {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (d *Directory) Delete(ctx context.Context, sessionID string) error {
	if _, err := d.Owned(ctx, sessionID); err != nil {
		return err
	}
	if err := d.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	d.logger.Info("Session deleted", zap.String("session_id", sessionID))
	return nil
}

// Rename sets an explicit title chosen by the user.
func (d *Directory) Rename(ctx context.Context, sessionID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if _, err := d.Owned(ctx, sessionID); err != nil {
		return err
	}
	if err := d.store.UpdateSessionTitle(ctx, sessionID, DeriveTitle(title, d.titleMaxChars)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to rename session %s: %w", sessionID, err)
	}
	return nil
}
