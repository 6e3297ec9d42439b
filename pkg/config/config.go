// Package config provides configuration management for mxview.
// It defines the structure of the YAML configuration file and handles
// loading, environment fallbacks, validation and default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for mxview.
type Config struct {
	// Version is the configuration file format version
	Version string `yaml:"version"`
	// Matrix defines the homeserver account and room
	Matrix MatrixConfig `yaml:"matrix"`
	// Timeline defines the window sizes of the room view
	Timeline TimelineConfig `yaml:"timeline"`
	// Render defines how tiles are drawn
	Render RenderConfig `yaml:"render"`
	// Cache defines the local event cache
	Cache CacheConfig `yaml:"cache"`
	// Metrics defines the Prometheus exposition server
	Metrics MetricsConfig `yaml:"metrics"`
	// Logging defines diagnostic logging
	Logging LoggingConfig `yaml:"logging"`
}

// MatrixConfig defines the Matrix account and connection settings.
type MatrixConfig struct {
	// Homeserver is the base URL of the homeserver (e.g., https://matrix.example.com)
	Homeserver string `yaml:"homeserver"`
	// UserID is the full Matrix user ID (e.g., @alice:example.com)
	UserID string `yaml:"user_id"`
	// AccessToken authenticates requests; takes precedence over Password
	AccessToken string `yaml:"access_token"`
	// Password is used to log in when no access token is set
	Password string `yaml:"password"`
	// Room is the room ID or alias opened by default
	Room string `yaml:"room"`
	// SyncTimeoutMs is the long-poll timeout for sync in milliseconds (default: 30000)
	SyncTimeoutMs int `yaml:"sync_timeout_ms"`
	// RequestTimeout bounds every other request (default: 15s)
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RateLimit is the request budget per second per homeserver (0 = unlimited)
	RateLimit float64 `yaml:"rate_limit"`
	// RateLimitBurst is the token bucket size (default: 5)
	RateLimitBurst int `yaml:"rate_limit_burst"`
	// WriteRate spaces sends, state changes and invites, in calls per second (default: 2)
	WriteRate float64 `yaml:"write_rate"`
	// MaxRetries bounds retries on rate limiting and server errors (default: 6)
	MaxRetries int `yaml:"max_retries"`
}

// TimelineConfig defines the window controller sizes.
type TimelineConfig struct {
	// InitialCap is the number of events shown when a room opens (default: 100)
	InitialCap int `yaml:"initial_cap"`
	// PageSize is the window growth step and backfill size (default: 20)
	PageSize int `yaml:"page_size"`
	// SyncLimit is the timeline limit of the initial sync (default: 50)
	SyncLimit int `yaml:"sync_limit"`
	// Timezone names the zone used for date separators (default: Local)
	Timezone string `yaml:"timezone"`
}

// RenderConfig defines tile rendering. These settings are reloaded live.
type RenderConfig struct {
	// Markdown renders message bodies through glamour
	Markdown bool `yaml:"markdown"`
	// MarkdownStyle is the glamour style name (default: "dark")
	MarkdownStyle string `yaml:"markdown_style"`
	// ShowTimestamps prefixes tiles with their time
	ShowTimestamps bool `yaml:"show_timestamps"`
	// TimeFormat is the Go layout for tile timestamps (default: "15:04")
	TimeFormat string `yaml:"time_format"`
	// DateFormat is the Go layout for date separators (default: "Monday, 2 January 2006")
	DateFormat string `yaml:"date_format"`
}

// CacheConfig defines the SQLite event cache.
type CacheConfig struct {
	// Enabled keeps timelines across restarts (default: true)
	Enabled *bool `yaml:"enabled"`
	// Path is the database file (default: ~/.mxview/cache.db)
	Path string `yaml:"path"`
	// MaxEventsPerRoom trims the oldest cached events (default: 1000)
	MaxEventsPerRoom int `yaml:"max_events_per_room"`
}

// MetricsConfig defines the metrics HTTP server.
type MetricsConfig struct {
	// Enabled starts the /metrics server (disabled by default)
	Enabled bool `yaml:"enabled"`
	// Addr is the listen address (default: 127.0.0.1:9464)
	Addr string `yaml:"addr"`
}

// LoggingConfig defines diagnostic logging.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error" (default: "info")
	Level string `yaml:"level"`
	// File receives logs while the TUI owns the terminal (default: ~/.mxview/mxview.log)
	File string `yaml:"file"`
	// Pretty uses console output instead of JSON
	Pretty bool `yaml:"pretty"`
}

// Environment variables consulted when the matching field is empty.
const (
	EnvHomeserver  = "MATRIX_HOMESERVER"
	EnvAccessToken = "MATRIX_ACCESS_TOKEN"
	EnvUserID      = "MATRIX_USER_ID"
	EnvPassword    = "MATRIX_PASSWORD"
	EnvRoom        = "MATRIX_ROOM"
)

// DefaultDir returns ~/.mxview, or .mxview when the home directory is unknown.
func DefaultDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".mxview")
}

// NewDefaultConfig creates a configuration with sensible defaults.
func NewDefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		Version: "1.0",
		Matrix: MatrixConfig{
			SyncTimeoutMs:  30000,
			RequestTimeout: 15 * time.Second,
			RateLimitBurst: 5,
			WriteRate:      2,
			MaxRetries:     6,
		},
		Timeline: TimelineConfig{
			InitialCap: 100,
			PageSize:   20,
			SyncLimit:  50,
		},
		Render: RenderConfig{
			Markdown:       true,
			MarkdownStyle:  "dark",
			ShowTimestamps: true,
			TimeFormat:     "15:04",
			DateFormat:     "Monday, 2 January 2006",
		},
		Cache: CacheConfig{
			Enabled:          boolPtr(true),
			Path:             filepath.Join(dir, "cache.db"),
			MaxEventsPerRoom: 1000,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dir, "mxview.log"),
		},
	}
}

// LoadConfig loads a configuration from a YAML file, fills empty Matrix
// fields from the environment, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// FromEnv builds a configuration from defaults and the environment only.
func FromEnv() (*Config, error) {
	config := NewDefaultConfig()
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig writes the configuration to a YAML file.
// The file is created with 0600 permissions (read/write for owner only).
func (c *Config) SaveConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv fills empty Matrix fields from MATRIX_* environment variables.
func (c *Config) ApplyEnv() {
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&c.Matrix.Homeserver, EnvHomeserver)
	fill(&c.Matrix.AccessToken, EnvAccessToken)
	fill(&c.Matrix.UserID, EnvUserID)
	fill(&c.Matrix.Password, EnvPassword)
	fill(&c.Matrix.Room, EnvRoom)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required (or set %s)", EnvHomeserver)
	}
	if !strings.HasPrefix(c.Matrix.Homeserver, "http://") && !strings.HasPrefix(c.Matrix.Homeserver, "https://") {
		return fmt.Errorf("matrix.homeserver must be an http(s) URL: %s", c.Matrix.Homeserver)
	}
	if c.Matrix.AccessToken == "" {
		if c.Matrix.UserID == "" || c.Matrix.Password == "" {
			return fmt.Errorf("matrix.access_token or matrix.user_id and matrix.password are required")
		}
	}
	if c.Matrix.UserID != "" && !strings.HasPrefix(c.Matrix.UserID, "@") {
		return fmt.Errorf("matrix.user_id must start with '@': %s", c.Matrix.UserID)
	}
	if c.Matrix.RateLimit < 0 || c.Matrix.WriteRate < 0 {
		return fmt.Errorf("matrix rate limits cannot be negative")
	}

	if c.Timeline.InitialCap < 0 {
		return fmt.Errorf("timeline.initial_cap cannot be negative")
	}
	if c.Timeline.PageSize < 0 {
		return fmt.Errorf("timeline.page_size cannot be negative")
	}
	if c.Timeline.Timezone != "" {
		if _, err := time.LoadLocation(c.Timeline.Timezone); err != nil {
			return fmt.Errorf("invalid timeline.timezone: %w", err)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// Location returns the zone for date separators.
func (c *Config) Location() *time.Location {
	if c.Timeline.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timeline.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// CacheEnabled reports whether the event cache is on.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// nolint:gocyclo // Config defaults are inherently sequential; complexity is acceptable for readability
func (c *Config) applyDefaults() {
	defaults := NewDefaultConfig()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	// Matrix defaults
	if c.Matrix.SyncTimeoutMs == 0 {
		c.Matrix.SyncTimeoutMs = defaults.Matrix.SyncTimeoutMs
	}
	if c.Matrix.RequestTimeout == 0 {
		c.Matrix.RequestTimeout = defaults.Matrix.RequestTimeout
	}
	if c.Matrix.RateLimitBurst == 0 {
		c.Matrix.RateLimitBurst = defaults.Matrix.RateLimitBurst
	}
	if c.Matrix.WriteRate == 0 {
		c.Matrix.WriteRate = defaults.Matrix.WriteRate
	}
	if c.Matrix.MaxRetries == 0 {
		c.Matrix.MaxRetries = defaults.Matrix.MaxRetries
	}

	// Timeline defaults
	if c.Timeline.InitialCap == 0 {
		c.Timeline.InitialCap = defaults.Timeline.InitialCap
	}
	if c.Timeline.PageSize == 0 {
		c.Timeline.PageSize = defaults.Timeline.PageSize
	}
	if c.Timeline.SyncLimit == 0 {
		c.Timeline.SyncLimit = defaults.Timeline.SyncLimit
	}

	// Render defaults
	// Note: Markdown and ShowTimestamps keep their zero value when the file omits them
	if c.Render.MarkdownStyle == "" {
		c.Render.MarkdownStyle = defaults.Render.MarkdownStyle
	}
	if c.Render.TimeFormat == "" {
		c.Render.TimeFormat = defaults.Render.TimeFormat
	}
	if c.Render.DateFormat == "" {
		c.Render.DateFormat = defaults.Render.DateFormat
	}

	// Cache defaults
	if c.Cache.Enabled == nil {
		c.Cache.Enabled = boolPtr(true)
	}
	if c.Cache.Path == "" {
		c.Cache.Path = defaults.Cache.Path
	}
	if c.Cache.MaxEventsPerRoom == 0 {
		c.Cache.MaxEventsPerRoom = defaults.Cache.MaxEventsPerRoom
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.File == "" {
		c.Logging.File = defaults.Logging.File
	}
}

func boolPtr(v bool) *bool {
	return &v
}
