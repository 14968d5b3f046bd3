// Package config loads environment variables and provides a typed Config used
// across the service. It applies sensible defaults so the binary can run
// locally with minimal setup. For the live relay path, use ValidateRelayReady.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

type Config struct {
	// Platform
	BotToken string

	// Sink
	WebhookURL string

	// Relay
	RelayQueueSize int

	// Export
	DataDir         string
	ExportDir       string
	HistoryPageSize int

	// Database (optional export journal)
	DBDsn string

	// Operational HTTP surface
	HTTPAddr   string
	AdminToken string

	// Profile store
	ProfileName string
}

// Load reads environment variables and applies defaults. It doesn't fail when
// the bot token or webhook is missing; a token may instead come from the
// profile store, and ValidateRelayReady gates the relay path. Missing optional
// variables disable features (journal, admin endpoint).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	cfg.WebhookURL = os.Getenv("WEBHOOK_URL")

	cfg.RelayQueueSize = 1024
	if v := os.Getenv("RELAY_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RELAY_QUEUE_SIZE %q: must be a positive integer", v)
		}
		cfg.RelayQueueSize = n
	}

	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.ExportDir = os.Getenv("EXPORT_DIR")
	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "exports")
	}

	cfg.HistoryPageSize = 100
	if v := os.Getenv("HISTORY_PAGE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			return nil, fmt.Errorf("invalid HISTORY_PAGE_SIZE %q: must be 1-100", v)
		}
		cfg.HistoryPageSize = n
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.ProfileName = os.Getenv("PROFILE_NAME")
	if cfg.ProfileName == "" {
		cfg.ProfileName = "default"
	}

	return cfg, nil
}

// ValidateRelayReady checks required fields for live mirroring: a logged-in
// session needs a token, and the relay needs somewhere to deliver.
func (c *Config) ValidateRelayReady() error {
	if c.BotToken == "" {
		return fmt.Errorf("missing BOT_TOKEN (or a stored profile token)")
	}
	if c.WebhookURL == "" {
		return fmt.Errorf("missing WEBHOOK_URL: relay has no sink target")
	}
	return nil
}
