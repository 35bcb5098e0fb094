package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hirehub/chatsync"
)

var (
	conversationsJSON   bool
	conversationsUnread bool
	messagesJSON        bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}

// openSnapshotSession builds a session without push or polling, for one-shot
// commands.
func openSnapshotSession() (*chatsync.Session, *zap.Logger, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	s, err := chatsync.NewSession(
		chatsync.Config{CurrentUserID: cfg.Auth.UserID},
		newClient(cfg),
		nil,
		chatsync.WithLogger(logger),
	)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return s, logger, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		s, logger, err := openSnapshotSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := s.FetchConversations(ctx, true); err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}

		list := s.ListConversations()
		if conversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if conversationsJSON {
			return printJSON(out, list)
		}

		if len(list) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range list {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = " - " + truncate(c.LastMessage.Content, 40)
			}
			fmt.Fprintf(out, "  %d: %s%s%s\n", c.ID, conversationTitle(c), unread, preview)
		}
		return nil
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}

		s, logger, err := openSnapshotSession()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := s.FetchMessages(ctx, id); err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		msgs := s.GetMessages(id)
		if messagesJSON {
			return printJSON(out, msgs)
		}

		conv, ok := s.GetConversation(id)
		if ok {
			fmt.Fprintf(out, "Conversation %d with %s\n\n", id, conversationTitle(conv))
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		names := participantNames(conv)
		for _, m := range msgs {
			fmt.Fprintf(out, "  [%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), senderName(names, m.SenderID), m.Content)
		}
		return nil
	},
}

func participantNames(c chatsync.Conversation) map[int64]string {
	names := make(map[int64]string, len(c.Participants))
	for _, p := range c.Participants {
		names[p.ID] = p.Name
	}
	return names
}

func senderName(names map[int64]string, id int64) string {
	if n, ok := names[id]; ok && n != "" {
		return n
	}
	return "#" + strconv.FormatInt(id, 10)
}
