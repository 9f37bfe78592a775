// Package config holds the global flipstock configuration and cached
// credentials under ~/.config/flipstock/. JSON on disk, with environment
// variable overrides applied on load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const defaultServerURL = "http://localhost:8080"

// AutoSyncConfig holds auto-sync settings.
type AutoSyncConfig struct {
	Enabled  *bool  `json:"enabled,omitempty" env:"FLIPSTOCK_AUTO_SYNC"` // nil = default true
	Debounce string `json:"debounce,omitempty" env:"FLIPSTOCK_AUTO_SYNC_DEBOUNCE"`
}

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	URL     string         `json:"url" env:"FLIPSTOCK_SERVER_URL"`
	Enabled *bool          `json:"enabled,omitempty" env:"FLIPSTOCK_SYNC_ENABLED"` // nil = default true
	Auto    AutoSyncConfig `json:"auto"`
}

// Config is the global config stored at ~/.config/flipstock/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// Credentials stores authentication state at ~/.config/flipstock/auth.json.
type Credentials struct {
	Token     string `json:"token"`
	AccountID string `json:"account_id"`
	Email     string `json:"email,omitempty"`
	ServerURL string `json:"server_url"`
	DeviceID  string `json:"device_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// TokenExpiry parses ExpiresAt, returning the zero time when unset.
func (c *Credentials) TokenExpiry() time.Time {
	if c == nil || c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Dir returns ~/.config/flipstock, creating it if necessary.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "flipstock")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the global config, then applies env overrides.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	return cfg, nil
}

// Save writes the global config.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// ServerURL returns the configured sync server URL, or the default.
func (c *Config) ServerURL() string {
	if c != nil && c.Sync.URL != "" {
		return c.Sync.URL
	}
	return defaultServerURL
}

// SyncEnabled reports whether syncing is enabled (default true).
func (c *Config) SyncEnabled() bool {
	return c == nil || c.Sync.Enabled == nil || *c.Sync.Enabled
}

// AutoSyncEnabled reports whether auto-sync is enabled (default true).
func (c *Config) AutoSyncEnabled() bool {
	return c == nil || c.Sync.Auto.Enabled == nil || *c.Sync.Auto.Enabled
}

// FeedURL derives the websocket change-feed endpoint for an account from the
// HTTP server URL.
func FeedURL(serverURL, accountID string) string {
	ws := serverURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimRight(ws, "/") + "/v1/accounts/" + accountID + "/changes"
}

// LoadAuth reads cached credentials, or nil when not logged in.
func LoadAuth() (*Credentials, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth.json: %w", err)
	}
	return &creds, nil
}

// SaveAuth writes cached credentials (0600 perms).
func SaveAuth(creds *Credentials) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes cached credentials.
func ClearAuth() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsAuthenticated reports whether cached credentials exist.
func IsAuthenticated() bool {
	creds, err := LoadAuth()
	return err == nil && creds != nil && creds.Token != ""
}

// GetDeviceID returns the stable device id, generating and persisting one on
// first use.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id := uuid.NewString()
	if creds == nil {
		creds = &Credentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}
