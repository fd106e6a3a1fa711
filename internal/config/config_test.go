package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"calfeed/internal/feed"
)

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err = %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" || cfg.Poll.Interval != time.Minute || cfg.Fetch.Attempts != feed.DefaultAttempts {
		t.Fatalf("defaults = %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload err = %v", err)
	}
	if again.MaintenanceCron != cfg.MaintenanceCron || again.Fetch.Cooldown != cfg.Fetch.Cooldown {
		t.Fatalf("reloaded = %+v, want %+v", again, cfg)
	}
}

func TestLoad_PartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := strings.Join([]string{
		"listen: 0.0.0.0:9090",
		"relay_url: https://relay.example.com/api/relay",
		"fetch:",
		"  cooldown: 2m",
		"poll:",
		"  interval: 5m",
		"feeds:",
		"  - id: team",
		"    url: https://calendar.google.com/calendar/ical/team%40example.com/public/basic.ics",
		"google:",
		"  client_id: id",
		"  client_secret: secret",
	}, "\n")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load err = %v", err)
	}
	if cfg.Listen != "0.0.0.0:9090" || cfg.Fetch.Cooldown != 2*time.Minute || cfg.Poll.Interval != 5*time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Fetch.Attempts != feed.DefaultAttempts || cfg.Poll.MinGap != 5*time.Second {
		t.Fatalf("missing fields not defaulted: %+v", cfg)
	}
	if cfg.Google == nil || cfg.Google.TokenFile != "token.json" {
		t.Fatalf("Google = %+v", cfg.Google)
	}
	if len(cfg.Feeds) != 1 || cfg.Feeds[0].ID != "team" {
		t.Fatalf("Feeds = %+v", cfg.Feeds)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err = %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted invalid YAML")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("Load accepted an empty path")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CALFEED_LISTEN", " :9000 ")
	t.Setenv("CALFEED_FETCH_COOLDOWN", "2m")
	t.Setenv("CALFEED_FETCH_ATTEMPTS", "5")
	t.Setenv("CALFEED_POLL_MIN_GAP", "1s")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("GOOGLE_CLIENT_ID", "cid")
	t.Setenv("CALFEED_GOOGLE_CLIENT_SECRET", "csecret")
	t.Setenv("CALFEED_BASIC_AUTH_USERNAME", "admin")
	t.Setenv("CALFEED_BASIC_AUTH_PASSWORD", "pw")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv err = %v", err)
	}
	if cfg.Listen != ":9000" || cfg.Fetch.Cooldown != 2*time.Minute || cfg.Fetch.Attempts != 5 || cfg.Poll.MinGap != time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Google == nil || cfg.Google.ClientID != "cid" || cfg.Google.ClientSecret != "csecret" || cfg.Google.TokenFile != "token.json" {
		t.Fatalf("Google = %+v", cfg.Google)
	}
	if cfg.BasicAuth == nil || cfg.BasicAuth.Username != "admin" || cfg.BasicAuth.Password != "pw" {
		t.Fatalf("BasicAuth = %+v", cfg.BasicAuth)
	}
}

func TestApplyEnv_BadDuration(t *testing.T) {
	t.Setenv("CALFEED_POLL_INTERVAL", "soon")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv()
	if err == nil || !strings.Contains(err.Error(), "CALFEED_POLL_INTERVAL") {
		t.Fatalf("ApplyEnv err = %v, want one naming CALFEED_POLL_INTERVAL", err)
	}
	if cfg.Poll.Interval != time.Minute {
		t.Fatalf("Interval = %v, want default kept", cfg.Poll.Interval)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.MaintenanceCron = "every five minutes"
	cfg.FloatingTimezone = "Mars/Olympus_Mons"
	cfg.Feeds = []FeedConfig{{ID: "bad", URL: "https://example.com/cal.ics"}}
	cfg.Google = &GoogleConfig{ClientID: "only-id"}
	cfg.BasicAuth = &BasicAuthConfig{Username: "admin"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{"maintenance_cron", "floating_timezone", "feeds[0] (bad)", "google:", "basic_auth:"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestFloatingLocation(t *testing.T) {
	for _, name := range []string{"", "Local", "local"} {
		cfg := &Config{FloatingTimezone: name}
		if loc, err := cfg.FloatingLocation(); err != nil || loc != time.Local {
			t.Errorf("FloatingLocation(%q) = %v, %v", name, loc, err)
		}
	}
	cfg := &Config{FloatingTimezone: "UTC"}
	if loc, err := cfg.FloatingLocation(); err != nil || loc.String() != "UTC" {
		t.Errorf("FloatingLocation(UTC) = %v, %v", loc, err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.RelayURL = "https://relay.example.com/api/relay"
	cfg.Poll.IdleTTL = 45 * time.Minute
	cfg.Feeds = []FeedConfig{{ID: "team", Name: "Team", URL: "https://calendar.google.com/calendar/ical/team%40example.com/public/basic.ics"}}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save err = %v", err)
	}
	if err := Save(path, nil); err == nil {
		t.Fatal("Save(nil) succeeded")
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load err = %v", err)
	}
	if got.RelayURL != cfg.RelayURL || got.Poll.IdleTTL != 45*time.Minute || len(got.Feeds) != 1 || got.Feeds[0].Name != "Team" {
		t.Fatalf("round trip = %+v", got)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".calfeed-config-*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}
