package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initUserID  string
	initBaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id on the chat server (required)")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Chat server root URL")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the chat credential in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your bearer token and user id in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if initUserID == "" {
			return errors.New("--user is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = initUserID
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credential saved to %s\n", path)
		return nil
	},
}
