package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chatty-app/chatsync"
	"github.com/spf13/cobra"
)

var statusTimeout time.Duration

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long to wait for the realtime connection")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the resolved configuration and probe the realtime connection with the stored credential.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", baseURL(cfg))
		if cfg.Default.PageSize > 0 {
			fmt.Printf("  Page size:   %d\n", cfg.Default.PageSize)
		}
		dir, err := storeDir(cfg)
		if err == nil {
			fmt.Printf("  Store:       %s\n", dir)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))

		fmt.Println()
		fmt.Println("Realtime:")

		transport := newTransport(cfg)
		connected := make(chan struct{}, 1)
		transport.OnStateChange(func(s chatsync.ConnectionState) {
			if s == chatsync.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()
		defer transport.Disconnect()

		start := time.Now()
		if err := transport.Connect(ctx, cfg.Auth.Token); err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		select {
		case <-connected:
			fmt.Printf("  Connected in %s (session %s)\n", time.Since(start).Round(time.Millisecond), transport.SessionID())
		case <-ctx.Done():
			fmt.Printf("  Not connected after %s (state: %s)\n", statusTimeout, transport.State())
		}
		return nil
	},
}
