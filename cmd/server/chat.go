package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"gwi.com/chatsync/internal/config"
	"gwi.com/chatsync/internal/core"
	"gwi.com/chatsync/internal/store"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Plain lines are sent as messages. Commands:
  /list            list sessions
  /select N        make session N from /list active
  /new             start a new session
  /rename TITLE    rename the active session
  /delete N        delete session N from /list
  /retry           retry the last failed message
  /quit            exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.AppConfig
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

		engine := core.NewEngine(dbStore, replies, engineOptions(cfg, chatUser))
		defer engine.Close()

		return runChat(cmd.Context(), engine, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user key that owns the sessions")
}

func runChat(ctx context.Context, engine *core.Engine, in io.Reader, out io.Writer) error {
	var listed []store.Session
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")

		switch {
		case line == "":
		case cmd == "/quit":
			return nil
		case cmd == "/list":
			listed = engine.Sessions(ctx)
			for i, s := range listed {
				fmt.Fprintf(out, "%2d  %-50s  %d messages\n", i+1, s.DisplayTitle(), s.MessageCount)
			}
		case cmd == "/select", cmd == "/delete":
			n, err := strconv.Atoi(arg)
			if err != nil || n < 1 || n > len(listed) {
				fmt.Fprintln(out, "pick a number from /list")
				break
			}
			id := listed[n-1].ID
			if cmd == "/select" {
				err = engine.SelectSession(ctx, id)
			} else {
				err = engine.DeleteSession(ctx, id)
				listed = nil
			}
			if err != nil {
				fmt.Fprintln(out, "error:", err)
				break
			}
			printMessages(ctx, engine, out)
		case cmd == "/new":
			if _, err := engine.CreateNewSession(ctx); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case cmd == "/rename":
			if err := engine.RenameSession(ctx, engine.ActiveSessionID(), arg); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
		case cmd == "/retry":
			failed := lastFailed(engine.Messages(ctx))
			if failed == "" {
				fmt.Fprintln(out, "nothing to retry")
				break
			}
			if err := engine.RetryMessage(ctx, failed); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			printMessages(ctx, engine, out)
		default:
			if err := engine.SendMessage(ctx, line); err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			printMessages(ctx, engine, out)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

func printMessages(ctx context.Context, engine *core.Engine, out io.Writer) {
	for _, m := range engine.Messages(ctx) {
		marker := ""
		if m.Status == store.StatusError {
			marker = " [failed, /retry]"
		}
		fmt.Fprintf(out, "%-9s %s%s\n", m.Role+":", m.Content, marker)
	}
}

func lastFailed(msgs []store.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == store.StatusError {
			return msgs[i].ID
		}
	}
	return ""
}
