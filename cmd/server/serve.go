package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/chatsync/internal/api"
	"gwi.com/chatsync/internal/config"
	"gwi.com/chatsync/internal/core"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
		if err := cfg.ValidateServer(); err != nil {
			return err
		}

		dbStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer dbStore.Close()

		replies, closeReplies, err := newReplyGenerator(cmd.Context(), cfg, dbStore)
		if err != nil {
			return fmt.Errorf("failed to initialize reply backend: %w", err)
		}
		defer closeReplies()

		engines := api.NewEngineRegistry(func(userKey string) *core.Engine {
			return core.NewEngine(dbStore, replies, engineOptions(cfg, userKey))
		})
		defer engines.Close()

		apiHandler := api.NewAPIHandler(dbStore, engines, []byte(cfg.JWTSecret), logger)
		router := api.NewRouter(apiHandler)

		serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
		srv := &http.Server{
			Addr:         serverAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.ReplyTimeout + 15*time.Second, // sends wait for the reply
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			logger.Info("Starting server", zap.String("addr", serverAddr), zap.String("reply_backend", cfg.ReplyBackend))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("Could not listen", zap.String("addr", serverAddr), zap.Error(err))
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		logger.Info("Server exiting gracefully")
		return nil
	},
}
