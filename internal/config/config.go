package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"calfeed/internal/feed"
)

// EnvPrefix prefixes every environment override, e.g. CALFEED_LISTEN.
const EnvPrefix = "CALFEED"

// FeedConfig is a feed the server subscribes to at startup and never reaps.
type FeedConfig struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// GoogleConfig enables the OAuth token gate and calendar discovery.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	TokenFile    string `yaml:"token_file" json:"token_file"`
}

// FetchConfig tunes the feed fetcher.
type FetchConfig struct {
	Attempts         int           `yaml:"attempts" json:"attempts"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	RelayTimeout     time.Duration `yaml:"relay_timeout" json:"relay_timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// PollConfig tunes the per-subscription pollers.
type PollConfig struct {
	Interval       time.Duration `yaml:"interval" json:"interval"`
	MinGap         time.Duration `yaml:"min_gap" json:"min_gap"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	InitialRetries int           `yaml:"initial_retries" json:"initial_retries"`
	IdleTTL        time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// RelayURL is the relay function used when a direct fetch fails. It may
	// point at this server's own /api/relay.
	RelayURL    string `yaml:"relay_url" json:"relay_url"`
	RelayAPIKey string `yaml:"relay_api_key,omitempty" json:"-"`

	// CacheDir holds ETag / Last-Modified validators and the last body of
	// each feed. Empty disables conditional requests.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// FloatingTimezone is the IANA zone applied to ICS times without a
	// "Z" suffix. "Local" or empty means the host zone.
	FloatingTimezone string `yaml:"floating_timezone" json:"floating_timezone"`

	Fetch FetchConfig `yaml:"fetch" json:"fetch"`
	Poll  PollConfig  `yaml:"poll" json:"poll"`

	// MaintenanceCron schedules idle-subscription reaping and health
	// tracker sweeps (standard 5-field cron syntax).
	MaintenanceCron string `yaml:"maintenance_cron" json:"maintenance_cron"`

	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	Google *GoogleConfig `yaml:"google,omitempty" json:"google,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and the relay.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"-"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = "text"
	}
	if c.FloatingTimezone == "" {
		c.FloatingTimezone = "Local"
	}

	if c.Fetch.Attempts <= 0 {
		c.Fetch.Attempts = feed.DefaultAttempts
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = feed.DefaultFetchTimeout
	}
	if c.Fetch.RelayTimeout <= 0 {
		c.Fetch.RelayTimeout = feed.DefaultFetchTimeout
	}
	if c.Fetch.FailureThreshold <= 0 {
		c.Fetch.FailureThreshold = feed.DefaultFailureThreshold
	}
	if c.Fetch.Cooldown <= 0 {
		c.Fetch.Cooldown = feed.DefaultCooldown
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 60 * time.Second
	}
	if c.Poll.MinGap <= 0 {
		c.Poll.MinGap = 5 * time.Second
	}
	if c.Poll.RetryDelay <= 0 {
		c.Poll.RetryDelay = 5 * time.Second
	}
	if c.Poll.InitialRetries <= 0 {
		c.Poll.InitialRetries = 3
	}
	if c.Poll.IdleTTL <= 0 {
		c.Poll.IdleTTL = 30 * time.Minute
	}

	if c.MaintenanceCron == "" {
		c.MaintenanceCron = "*/5 * * * *"
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	if c.Google != nil && c.Google.TokenFile == "" {
		c.Google.TokenFile = "token.json"
	}
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.MaintenanceCron); err != nil {
		errs = append(errs, fmt.Errorf("maintenance_cron %q: %w", c.MaintenanceCron, err))
	}
	if _, err := c.FloatingLocation(); err != nil {
		errs = append(errs, fmt.Errorf("floating_timezone %q: %w", c.FloatingTimezone, err))
	}
	for i, f := range c.Feeds {
		if err := feed.ValidateFeedURL(f.URL); err != nil {
			errs = append(errs, fmt.Errorf("feeds[%d] (%s): %w", i, f.ID, err))
		}
	}
	if c.Google != nil && (c.Google.ClientID == "" || c.Google.ClientSecret == "") {
		errs = append(errs, errors.New("google: client_id and client_secret are required"))
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, errors.New("basic_auth: username and password are required"))
	}
	return errors.Join(errs...)
}

// FloatingLocation resolves FloatingTimezone.
func (c *Config) FloatingLocation() (*time.Location, error) {
	if c.FloatingTimezone == "" || strings.EqualFold(c.FloatingTimezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.FloatingTimezone)
}

// ApplyEnv overrides fields from CALFEED_* environment variables, e.g.
// CALFEED_RELAY_URL or CALFEED_FETCH_COOLDOWN=2m.
func (c *Config) ApplyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("log_level", "CALFEED_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("google.client_id", "CALFEED_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID")
	_ = v.BindEnv("google.client_secret", "CALFEED_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	for _, key := range []string{
		"listen", "log_format", "relay_url", "relay_api_key", "cache_dir", "floating_timezone",
		"fetch.attempts", "fetch.timeout", "fetch.relay_timeout", "fetch.failure_threshold", "fetch.cooldown",
		"poll.interval", "poll.min_gap", "poll.retry_delay", "poll.initial_retries", "poll.idle_ttl",
		"maintenance_cron", "google.token_file", "basic_auth.username", "basic_auth.password",
	} {
		_ = v.BindEnv(key)
	}

	setString(v, "listen", &c.Listen)
	setString(v, "log_level", &c.LogLevel)
	setString(v, "log_format", &c.LogFormat)
	setString(v, "relay_url", &c.RelayURL)
	setString(v, "relay_api_key", &c.RelayAPIKey)
	setString(v, "cache_dir", &c.CacheDir)
	setString(v, "floating_timezone", &c.FloatingTimezone)
	setString(v, "maintenance_cron", &c.MaintenanceCron)

	setInt(v, "fetch.attempts", &c.Fetch.Attempts)
	setInt(v, "fetch.failure_threshold", &c.Fetch.FailureThreshold)
	setInt(v, "poll.initial_retries", &c.Poll.InitialRetries)

	var errs []error
	for key, dst := range map[string]*time.Duration{
		"fetch.timeout":       &c.Fetch.Timeout,
		"fetch.relay_timeout": &c.Fetch.RelayTimeout,
		"fetch.cooldown":      &c.Fetch.Cooldown,
		"poll.interval":       &c.Poll.Interval,
		"poll.min_gap":        &c.Poll.MinGap,
		"poll.retry_delay":    &c.Poll.RetryDelay,
		"poll.idle_ttl":       &c.Poll.IdleTTL,
	} {
		if !v.IsSet(key) {
			continue
		}
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", EnvPrefix, envName(key), err))
			continue
		}
		*dst = d
	}

	if v.IsSet("google.client_id") || v.IsSet("google.client_secret") {
		if c.Google == nil {
			c.Google = &GoogleConfig{}
		}
		setString(v, "google.client_id", &c.Google.ClientID)
		setString(v, "google.client_secret", &c.Google.ClientSecret)
	}
	if c.Google != nil {
		setString(v, "google.token_file", &c.Google.TokenFile)
	}
	if v.IsSet("basic_auth.username") || v.IsSet("basic_auth.password") {
		if c.BasicAuth == nil {
			c.BasicAuth = &BasicAuthConfig{}
		}
		setString(v, "basic_auth.username", &c.BasicAuth.Username)
		setString(v, "basic_auth.password", &c.BasicAuth.Password)
	}

	c.Normalize()
	return errors.Join(errs...)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = strings.TrimSpace(v.GetString(key))
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load loads configuration from the given YAML path and applies environment
// overrides.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, cfg.ApplyEnv()
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.ApplyEnv(); err != nil {
		return &cfg, err
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically via a
// temp file + rename, with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
