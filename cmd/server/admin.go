package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/chatsync/internal/auth"
	"gwi.com/chatsync/internal/config"
	"gwi.com/chatsync/internal/core"
)

var fixTitlesWorkers int

var fixTitlesCmd = &cobra.Command{
	Use:   "fix-titles",
	Short: "Title every untitled session after its first user message",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
		dbStore, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer dbStore.Close()

		res, err := core.BackfillTitles(cmd.Context(), dbStore, cfg.TitleMaxChars, fixTitlesWorkers, logger)
		if err != nil {
			return err
		}
		logger.Info("Title backfill complete",
			zap.Int("total", res.Total),
			zap.Int("updated", res.Updated),
			zap.Int("skipped", res.Skipped))
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_KEY",
	Short: "Print a JWT for USER_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		token, err := auth.GenerateJWT([]byte(cfg.JWTSecret), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	fixTitlesCmd.Flags().IntVar(&fixTitlesWorkers, "workers", 4, "sessions processed concurrently")
}
