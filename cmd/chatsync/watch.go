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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hirehub/chatsync"
)

var (
	watchTransport     string
	watchOpen          int64
	watchWebhookAddr   string
	watchWebhookSecret string
	watchMetricsAddr   string
)

func init() {
	watchCmd.Flags().StringVar(&watchTransport, "transport", "ws", "Push transport: ws, sse, webhook or none")
	watchCmd.Flags().Int64Var(&watchOpen, "open", 0, "Conversation to keep open (its messages are marked read)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", ":8090", "Listen address for the webhook transport")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", "", "HMAC secret for the webhook transport (or CHATSYNC_WEBHOOK_SECRET)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow conversations live",
	Long:  "Load the conversation list, keep it in sync over the push channel and the poller, and print every change until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		interval, err := pollInterval(cfg)
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer logger.Sync()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := chatsync.NewMetrics(reg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		transport, serve, err := buildTransport(cfg, logger, metrics)
		if err != nil {
			return err
		}

		s, err := chatsync.NewSession(
			chatsync.Config{CurrentUserID: cfg.Auth.UserID, PollInterval: interval},
			newClient(cfg),
			transport,
			chatsync.WithLogger(logger),
			chatsync.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		defer s.Close()

		unsubscribe := s.Subscribe(func(c chatsync.Change) { printChange(s, c) })
		defer unsubscribe()

		var servers []*http.Server
		if serve != nil {
			servers = append(servers, serve)
		}
		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			servers = append(servers, &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
		}
		for _, srv := range servers {
			go func(srv *http.Server) {
				logger.Info("listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server stopped", zap.String("addr", srv.Addr), zap.Error(err))
					stop()
				}
			}(srv)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				srv.Shutdown(shutdownCtx)
			}
		}()

		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		if watchOpen > 0 {
			if err := s.SetActiveConversation(watchOpen); err != nil {
				return err
			}
		}

		fmt.Printf("Watching %d conversations (session %s). Press Ctrl+C to stop.\n", len(s.ListConversations()), s.ID())
		<-ctx.Done()
		fmt.Println("\nStopping...")
		return nil
	},
}

// buildTransport returns the push transport selected by --transport, plus
// an HTTP server to run alongside it when the transport receives requests.
func buildTransport(cfg *Config, logger *zap.Logger, metrics *chatsync.Metrics) (chatsync.Transport, *http.Server, error) {
	switch watchTransport {
	case "ws":
		url, err := wsURLFor(cfg)
		if err != nil {
			return nil, nil, err
		}
		return chatsync.NewWSTransport(chatsync.RealtimeConfig{
			URL:     url,
			Token:   cfg.Auth.Token,
			Logger:  logger,
			Metrics: metrics,
		}), nil, nil
	case "sse":
		header := http.Header{}
		header.Set("Authorization", "Bearer "+cfg.Auth.Token)
		return chatsync.NewSSETransport(chatsync.RealtimeConfig{
			URL:     eventsURLFor(cfg),
			Header:  header,
			Logger:  logger,
			Metrics: metrics,
		}), nil, nil
	case "webhook":
		secret := valueOrDefault(watchWebhookSecret, os.Getenv("CHATSYNC_WEBHOOK_SECRET"))
		wh, err := chatsync.NewWebhookTransport(secret, logger)
		if err != nil {
			return nil, nil, err
		}
		mux := http.NewServeMux()
		mux.Handle("/webhook", wh.HTTPHandler())
		return wh, &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (valid: ws, sse, webhook, none)", watchTransport)
	}
}

// printChange runs on the session loop and only reads from the session.
func printChange(s *chatsync.Session, c chatsync.Change) {
	ts := time.Now().Format("15:04:05")
	switch c.Kind {
	case chatsync.ChangeConversations:
		list := s.ListConversations()
		unread := 0
		for _, conv := range list {
			unread += conv.UnreadCount
		}
		fmt.Printf("[%s] conversations: %d (%d unread)\n", ts, len(list), unread)
	case chatsync.ChangeMessages:
		msgs := s.GetMessages(c.ConversationID)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		conv, _ := s.GetConversation(c.ConversationID)
		fmt.Printf("[%s] %d %s: %s\n", ts, c.ConversationID, senderName(participantNames(conv), last.SenderID), truncate(last.Content, 60))
	case chatsync.ChangeConnectivity:
		if s.Degraded() {
			fmt.Printf("[%s] push channel degraded, relying on polling\n", ts)
		} else {
			fmt.Printf("[%s] push channel connected\n", ts)
		}
	}
}
