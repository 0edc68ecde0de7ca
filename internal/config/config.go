package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendLocal = "local"
	BackendHTTP  = "http"
)

// Feed kinds.
const (
	FeedLocal     = "local"
	FeedWebSocket = "websocket"
	FeedNATS      = "nats"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvAPIToken = "CONVSYNC_API_TOKEN"
	EnvAPIURL   = "CONVSYNC_API_URL"
	EnvNATSURL  = "CONVSYNC_NATS_URL"
)

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.convsync/config.toml.
type Config struct {
	DefaultScope string         `toml:"default_scope"`
	Backend      BackendConfig  `toml:"backend"`
	Feed         FeedConfig     `toml:"feed"`
	Backoff      BackoffConfig  `toml:"backoff"`
	Search       SearchConfig   `toml:"search"`
	WhatsApp     WhatsAppConfig `toml:"whatsapp"`
	Log          LogConfig      `toml:"log"`
}

// BackendConfig selects where remote calls go.
type BackendConfig struct {
	Kind    string   `toml:"kind"`
	URL     string   `toml:"url"`
	Token   string   `toml:"token"`
	Timeout Duration `toml:"timeout"`
}

// FeedConfig selects the push feed.
type FeedConfig struct {
	Kind             string   `toml:"kind"`
	URL              string   `toml:"url"`
	SubjectPrefix    string   `toml:"subject_prefix"`
	SubscribeTimeout Duration `toml:"subscribe_timeout"`
	Heartbeat        Duration `toml:"heartbeat"`
}

// BackoffConfig bounds reconnect delays.
type BackoffConfig struct {
	Base Duration `toml:"base"`
	Cap  Duration `toml:"cap"`
}

// SearchConfig tunes the search pipeline.
type SearchConfig struct {
	Debounce      Duration `toml:"debounce"`
	IdentityLimit int      `toml:"identity_limit"`
	ContentLimit  int      `toml:"content_limit"`
	FetchLimit    int      `toml:"fetch_limit"`
}

// WhatsAppConfig enables the WhatsApp bridge, which ingests the paired
// account's incoming messages into the local backend.
type WhatsAppConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig sets the daemon log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Defaults returns a config for the local backend with default timings.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DefaultScope == "" {
		c.DefaultScope = "main"
	}
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendLocal
	}
	if c.Backend.Timeout.Duration <= 0 {
		c.Backend.Timeout.Duration = 10 * time.Second
	}
	if c.Feed.Kind == "" {
		c.Feed.Kind = FeedLocal
	}
	if c.Feed.SubjectPrefix == "" {
		c.Feed.SubjectPrefix = "convsync.events"
	}
	if c.Feed.SubscribeTimeout.Duration <= 0 {
		c.Feed.SubscribeTimeout.Duration = 10 * time.Second
	}
	if c.Feed.Heartbeat.Duration <= 0 {
		c.Feed.Heartbeat.Duration = 30 * time.Second
	}
	if c.Backoff.Base.Duration <= 0 {
		c.Backoff.Base.Duration = time.Second
	}
	if c.Backoff.Cap.Duration <= 0 {
		c.Backoff.Cap.Duration = 30 * time.Second
	}
	if c.Search.Debounce.Duration <= 0 {
		c.Search.Debounce.Duration = 500 * time.Millisecond
	}
	if c.Search.IdentityLimit <= 0 {
		c.Search.IdentityLimit = 20
	}
	if c.Search.ContentLimit <= 0 {
		c.Search.ContentLimit = 50
	}
	if c.Search.FetchLimit <= 0 {
		c.Search.FetchLimit = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects unknown backend and feed kinds and missing URLs.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendLocal:
	case BackendHTTP:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend %s: url is required", c.Backend.Kind)
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	switch c.Feed.Kind {
	case FeedLocal:
		if c.Backend.Kind != BackendLocal {
			return fmt.Errorf("feed %s requires the local backend", c.Feed.Kind)
		}
	case FeedWebSocket, FeedNATS:
		if c.Feed.URL == "" {
			return fmt.Errorf("feed %s: url is required", c.Feed.Kind)
		}
	default:
		return fmt.Errorf("unknown feed kind %q", c.Feed.Kind)
	}
	if c.WhatsApp.Enabled && c.Backend.Kind != BackendLocal {
		return fmt.Errorf("whatsapp bridge requires the local backend")
	}
	return nil
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvAPIToken); v != "" {
		c.Backend.Token = v
	}
	if v := getenv(EnvAPIURL); v != "" {
		c.Backend.URL = v
	}
	if v := getenv(EnvNATSURL); v != "" && c.Feed.Kind == FeedNATS {
		c.Feed.URL = v
	}
}

// ApplyEnvFile overlays the variables of a dotenv file. Variables already set
// in the process environment win. A missing file is not an error.
func (c *Config) ApplyEnvFile(path string) error {
	vals, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		c.ApplyEnv(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	c.ApplyEnv(func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return vals[key]
	})
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
// Unset fields are filled with defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault is Load that falls back to Defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
