package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chatty-app/chatsync"
)

// requireCredential loads the resolved config and checks that a token and
// user id are present.
func requireCredential() (*Config, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("no credential; run 'chatsync init <token> --user <id>' first")
	}
	return cfg, nil
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)
}

// newTransport builds the socket transport for cfg.
func newTransport(cfg *Config) *chatsync.WSTransport {
	return chatsync.NewWSTransport(baseURL(cfg), &chatsync.TransportConfig{
		Logger: logger,
	})
}

// newRESTClient builds the REST client used to mark chats read.
func newRESTClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(baseURL(cfg)))
}

// storeDir returns the Pebble cache directory, ~/.chatsync/store by default.
func storeDir(cfg *Config) (string, error) {
	if cfg.Default.StoreDir != "" {
		return cfg.Default.StoreDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "store"), nil
}

// maskKey shows the first and last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// truncate shortens s to n runes for table output.
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
