package core

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gwi.com/chatsync/internal/store"
)

// TitleBackfillStore is what BackfillTitles needs from the log store.
type TitleBackfillStore interface {
	ListUntitledSessions(ctx context.Context) ([]store.Session, error)
	FirstUserMessage(ctx context.Context, sessionID string) (*store.Message, error)
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
}

type BackfillResult struct {
	Total   int
	Updated int
	Skipped int
}

// BackfillTitles names every untitled session after its first user message,
// the same way a first send would have.
func BackfillTitles(ctx context.Context, st TitleBackfillStore, titleMaxChars, workers int, logger *zap.Logger) (BackfillResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 4
	}

	sessions, err := st.ListUntitledSessions(ctx)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("failed to list untitled sessions: %w", err)
	}
	logger.Info("Found sessions without title", zap.Int("count", len(sessions)))

	var updated, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, sess := range sessions {
		sess := sess // per-iteration copy (go.mod targets go 1.21)
		g.Go(func() error {
			first, err := st.FirstUserMessage(gctx, sess.ID)
			if err != nil {
				logger.Warn("Loading first message failed", zap.String("session_id", sess.ID), zap.Error(err))
				skipped.Add(1)
				return nil
			}
			if first == nil {
				logger.Debug("Session has no user messages, skipping", zap.String("session_id", sess.ID))
				skipped.Add(1)
				return nil
			}
			title := DeriveTitle(first.Content, titleMaxChars)
			if err := st.UpdateSessionTitle(gctx, sess.ID, title); err != nil {
				logger.Warn("Updating title failed", zap.String("session_id", sess.ID), zap.Error(err))
				skipped.Add(1)
				return nil
			}
			logger.Info("Session titled", zap.String("session_id", sess.ID), zap.String("title", title))
			updated.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BackfillResult{}, err
	}
	return BackfillResult{
		Total:   len(sessions),
		Updated: int(updated.Load()),
		Skipped: int(skipped.Load()),
	}, ctx.Err()
}
