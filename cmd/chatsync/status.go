package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and check the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := applyEnv(cfg); err != nil {
			return err
		}

		fmt.Fprintln(out, "=== chatsync Status ===")
		fmt.Fprintln(out)

		fmt.Fprintln(out, "[Config]")
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:         %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:         (not set)")
		}
		if cfg.Auth.UserID > 0 {
			fmt.Fprintf(out, "  User ID:       %d\n", cfg.Auth.UserID)
		} else {
			fmt.Fprintln(out, "  User ID:       (not set)")
		}
		fmt.Fprintf(out, "  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Fprintf(out, "  WS URL:        %s\n", valueOrDefault(cfg.Default.WSURL, "(derived)"))
		fmt.Fprintf(out, "  Poll interval: %s\n", valueOrDefault(cfg.Default.PollInterval, "(default)"))

		if cfg.Auth.Token == "" {
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Run 'chatsync init <token> --user-id <id>' to configure credentials.")
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "[API]")
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		start := time.Now()
		list, err := newClient(cfg).FetchConversations(ctx, true)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Reachable:     yes (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "  Conversations: %d\n", len(list))
		return nil
	},
}
