package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gwi.com/chatsync/internal/config"
	"gwi.com/chatsync/internal/core"
	"gwi.com/chatsync/internal/store"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:           "chatsync",
	Short:         "Chat sessions with optimistic sends, synced to a durable log",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if config.AppConfig.LogLevel == "DEBUG" {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, chatCmd, fixTitlesCmd, tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newReplyGenerator wires the configured reply backend. The returned func
// releases its resources.
func newReplyGenerator(ctx context.Context, cfg config.Config, history core.HistorySource) (core.ReplyGenerator, func(), error) {
	if err := cfg.ValidateReplyBackend(); err != nil {
		return nil, nil, err
	}
	switch cfg.ReplyBackend {
	case config.ReplyBackendGemini:
		g, err := core.NewGeminiReplier(ctx, cfg.GeminiAPIKey, history, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		w, err := core.NewWebhookReplier(cfg.ReplyWebhookURL, &http.Client{Timeout: cfg.ReplyTimeout + 5*time.Second}, logger)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	}
}

func engineOptions(cfg config.Config, userKey string) core.Options {
	return core.Options{
		UserKey:         userKey,
		ReplyTimeout:    cfg.ReplyTimeout,
		SupersedeWindow: cfg.SupersedeWindow,
		PageSize:        cfg.SessionPageSize,
		TitleMaxChars:   cfg.TitleMaxChars,
		Logger:          logger,
	}
}

func openStore(cfg config.Config) (*store.SQLiteStore, error) {
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return dbStore, nil
}
