package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatty-app/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	tailKind        string
	tailPageSize    int
	tailOlder       int
	tailMetricsAddr string
	tailNoCache     bool
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailKind, "kind", string(chatsync.KindGroup), "Conversation kind (private or group)")
	tailCmd.Flags().IntVar(&tailPageSize, "page-size", 0, "Messages per history page (default from config, else 20)")
	tailCmd.Flags().IntVar(&tailOlder, "older", 0, "Earlier pages to load after the latest one")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	tailCmd.Flags().BoolVar(&tailNoCache, "no-cache", false, "Do not read or write the local timeline cache")
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Join a conversation, print its recent history and every message that arrives until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireCredential()
		if err != nil {
			return err
		}
		conv := &chatsync.Conversation{ID: args[0], Kind: chatsync.ConversationKind(tailKind)}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []chatsync.EngineOption{
			chatsync.WithLogger(logger),
			chatsync.WithCredential(cfg.Auth.Token),
		}
		if n := tailPageSize; n > 0 {
			opts = append(opts, chatsync.WithPageSize(n))
		} else if cfg.Default.PageSize > 0 {
			opts = append(opts, chatsync.WithPageSize(cfg.Default.PageSize))
		}

		if !tailNoCache {
			dir, err := storeDir(cfg)
			if err != nil {
				return err
			}
			store, err := chatsync.OpenPebbleStore(dir)
			if err != nil {
				return err
			}
			defer store.Close()
			opts = append(opts, chatsync.WithStore(store))
		}

		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
			srv := serveMetrics(tailMetricsAddr, reg)
			defer srv.Close()
		}

		engine := chatsync.NewEngine(newTransport(cfg), newRESTClient(cfg), cfg.Auth.UserID, opts...)
		p := &tailPrinter{engine: engine, self: cfg.Auth.UserID, older: tailOlder, seen: make(map[string]bool)}
		engine.Subscribe(p.handle)

		if err := engine.SetActiveConversation(conv); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Following %s (%s). Ctrl-C to stop.\n", conv.ID, conv.Kind)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server")
		}
	}()
	return srv
}

// ============================================================================
// Output
// ============================================================================

// tailPrinter renders engine updates. It runs on the engine loop.
type tailPrinter struct {
	engine *chatsync.Engine
	self   string
	older  int
	seen   map[string]bool
}

func (p *tailPrinter) handle(u chatsync.Update) {
	switch u.Kind {
	case chatsync.UpdateConnection:
		fmt.Fprintf(os.Stderr, "-- %s\n", u.Connection)
	case chatsync.UpdateConversation, chatsync.UpdateTimeline:
		p.print(u.Messages)
	case chatsync.UpdatePage:
		if u.Page.Direction == chatsync.DirectionBefore {
			fmt.Printf("-- %d earlier messages\n", len(u.Page.Prepended))
		}
		p.print(u.Messages)
		if !u.HasMore {
			fmt.Println("-- start of conversation")
			return
		}
		if p.older > 0 {
			p.older--
			_ = p.engine.LoadOlder()
		}
	case chatsync.UpdateUnread:
		if len(u.Unread) > 0 {
			parts := make([]string, 0, len(u.Unread))
			for id, n := range u.Unread {
				parts = append(parts, fmt.Sprintf("%s:%d", id, n))
			}
			fmt.Fprintf(os.Stderr, "-- unread %s\n", strings.Join(parts, " "))
		}
	}
}

func (p *tailPrinter) print(msgs []chatsync.Message) {
	for _, m := range msgs {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		who := m.SenderID
		if who == p.self {
			who = "you"
		}
		line := m.Content
		if n := len(m.Attachments); n > 0 {
			line += fmt.Sprintf(" [%d %s]", n, pluralize(n, "file", "files"))
		}
		fmt.Printf("%-12s %-10s %s\n", humanize.Time(m.CreatedAt), truncate(who, 10), line)
	}
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
