package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	logger   = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime chat sync CLI",
	Long:  "Command-line client for the chat sync engine.\nStore credentials, follow a conversation live, and inspect the local timeline cache.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load(".env")

		level := logLevel
		if level == "" {
			if cfg, err := resolveConfig(); err == nil {
				level = cfg.Default.LogLevel
			}
		}
		if level == "" {
			level = "warn"
		}
		lvl, err := zerolog.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			Level(lvl).
			With().Timestamp().Logger()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
