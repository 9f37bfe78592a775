package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadMissingConfigYieldsDefaults(t *testing.T) {
	setupHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL() != defaultServerURL {
		t.Errorf("server url = %q", cfg.ServerURL())
	}
	if !cfg.SyncEnabled() || !cfg.AutoSyncEnabled() {
		t.Error("sync defaults must be enabled")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	setupHome(t)
	t.Setenv("FLIPSTOCK_SERVER_URL", "https://sync.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL() != "https://sync.example.com" {
		t.Errorf("server url = %q, want env override", cfg.ServerURL())
	}
}

func TestSyncTogglesFromEnv(t *testing.T) {
	setupHome(t)
	t.Setenv("FLIPSTOCK_SYNC_ENABLED", "false")
	t.Setenv("FLIPSTOCK_AUTO_SYNC", "false")
	t.Setenv("FLIPSTOCK_AUTO_SYNC_DEBOUNCE", "5s")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SyncEnabled() {
		t.Error("FLIPSTOCK_SYNC_ENABLED=false must disable sync")
	}
	if cfg.AutoSyncEnabled() {
		t.Error("FLIPSTOCK_AUTO_SYNC=false must disable auto-sync")
	}
	if cfg.Sync.Auto.Debounce != "5s" {
		t.Errorf("debounce = %q, want env override", cfg.Sync.Auto.Debounce)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	setupHome(t)
	disabled := false
	if err := Save(&Config{Sync: SyncConfig{URL: "http://10.0.0.5:8080", Enabled: &disabled}}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL() != "http://10.0.0.5:8080" {
		t.Errorf("server url = %q", cfg.ServerURL())
	}
	if cfg.SyncEnabled() {
		t.Error("persisted disable lost")
	}
}

func TestAuthRoundTripAndPerms(t *testing.T) {
	home := setupHome(t)
	creds := &Credentials{Token: "tok", AccountID: "acct1", ServerURL: "http://x"}
	if err := SaveAuth(creds); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(home, ".config", "flipstock", "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("auth.json perms = %o, want 0600", perm)
	}

	got, err := LoadAuth()
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "tok" || got.AccountID != "acct1" {
		t.Errorf("creds = %+v", got)
	}
	if !IsAuthenticated() {
		t.Error("expected authenticated")
	}

	if err := ClearAuth(); err != nil {
		t.Fatal(err)
	}
	if IsAuthenticated() {
		t.Error("expected signed out")
	}
	if err := ClearAuth(); err != nil {
		t.Errorf("clearing twice must be a no-op, got %v", err)
	}
}

func TestLoadAuthMissingIsNil(t *testing.T) {
	setupHome(t)
	creds, err := LoadAuth()
	if err != nil {
		t.Fatal(err)
	}
	if creds != nil {
		t.Errorf("creds = %+v, want nil when not logged in", creds)
	}
}

func TestGetDeviceIDStable(t *testing.T) {
	setupHome(t)
	id1, err := GetDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if id1 == "" {
		t.Fatal("expected generated device id")
	}
	id2, err := GetDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("device id changed across calls: %q vs %q", id1, id2)
	}
}

func TestFeedURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://localhost:8080", "ws://localhost:8080/v1/accounts/a1/changes"},
		{"https://sync.example.com/", "wss://sync.example.com/v1/accounts/a1/changes"},
	}
	for _, tc := range cases {
		if got := FeedURL(tc.in, "a1"); got != tc.want {
			t.Errorf("FeedURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	var nilCreds *Credentials
	if !nilCreds.TokenExpiry().IsZero() {
		t.Error("nil creds must report zero expiry")
	}
	c := &Credentials{ExpiresAt: "2026-01-02T15:04:05Z"}
	want := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	if !c.TokenExpiry().Equal(want) {
		t.Errorf("expiry = %v", c.TokenExpiry())
	}
	c.ExpiresAt = "garbage"
	if !c.TokenExpiry().IsZero() {
		t.Error("unparseable expiry must be zero")
	}
}
