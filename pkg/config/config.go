package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Network    NetworkConfig    `yaml:"network"`
	Database   DatabaseConfig   `yaml:"database"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Features   FeaturesConfig   `yaml:"features"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Cache      CacheConfig      `yaml:"cache"`
	Moderation ModerationConfig `yaml:"moderation"`
	Stats      StatsConfig      `yaml:"stats"`
	Trends     TrendsConfig     `yaml:"trends"`
	Info       InfoConfig       `yaml:"info"`
}

// NetworkConfig contains listener settings
type NetworkConfig struct {
	Address        string   `yaml:"address"`
	TLSCert        string   `yaml:"tls_cert"`
	TLSKey         string   `yaml:"tls_key"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	CORSOrigins    []string `yaml:"cors_origins"`
	// MaxLimit caps the limit of every filter received at the boundary.
	MaxLimit int `yaml:"max_limit"`
}

// DatabaseConfig selects and tunes the base store
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	Path            string `yaml:"path"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
	// SearchPath holds the full-text index; empty keeps it in memory.
	SearchPath      string `yaml:"search_path"`
}

// RateLimitConfig contains rate limiting settings
type RateLimitConfig struct {
	Enabled      bool `yaml:"enabled"`
	EventsPerSec int  `yaml:"events_per_sec"`
	Burst        int  `yaml:"burst"`
	// AuthorEventsPerMinute bounds direct submissions per author pubkey.
	AuthorEventsPerMinute int `yaml:"author_events_per_minute"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// FeaturesConfig toggles optional components
type FeaturesConfig struct {
	Search       bool `yaml:"search"`
	Firehose     bool `yaml:"firehose"`
	ChangeNotify bool `yaml:"change_notify"`
	Republish    bool `yaml:"republish"`
	Auth         bool `yaml:"auth"`
}

// PipelineConfig bounds per-event processing
type PipelineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	VerifyWorkers  int           `yaml:"verify_workers"`
	PolicyWorkers  int           `yaml:"policy_workers"`
	VerifyTimeout  time.Duration `yaml:"verify_timeout"`
	PolicyTimeout  time.Duration `yaml:"policy_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	StatsTimeout   time.Duration `yaml:"stats_timeout"`
	NotifyTimeout  time.Duration `yaml:"notify_timeout"`
	Policy         PolicyConfig  `yaml:"policy"`
}

// PolicyConfig selects a compiled-in policy and its options
type PolicyConfig struct {
	Name             string        `yaml:"name"`
	MaxEventSize     int           `yaml:"max_event_size"`
	MaxContentLength int           `yaml:"max_content_length"`
	MaxTags          int           `yaml:"max_tags"`
	MaxFutureSkew    time.Duration `yaml:"max_future_skew"`
	MinPoW           int           `yaml:"min_pow"`
	Blocked          []string      `yaml:"blocked"`
}

// IngestConfig configures the background ingestion paths
type IngestConfig struct {
	Upstreams     []string `yaml:"upstreams"`
	Kinds         []int    `yaml:"kinds"`
	NotifyChannel string   `yaml:"notify_channel"`
}

// CacheConfig sizes process-owned caches
type CacheConfig struct {
	EncounterSize int           `yaml:"encounter_size"`
	EncounterTTL  time.Duration `yaml:"encounter_ttl"`
	ModerationTTL time.Duration `yaml:"moderation_ttl"`
}

// ModerationConfig lists the pubkeys whose grants the admin filter honors
type ModerationConfig struct {
	Admins []string `yaml:"admins"`
}

// StatsConfig configures the stats aggregator
type StatsConfig struct {
	StreakKinds       []int         `yaml:"streak_kinds"`
	StreakSchedule    string        `yaml:"streak_schedule"`
	RecomputeSchedule string        `yaml:"recompute_schedule"`
	// RecomputeWindow is how far back the scheduled repair looks.
	RecomputeWindow   time.Duration `yaml:"recompute_window"`
}

// TrendsConfig configures the trends aggregator. Schedules maps a ranking
// name to its cron spec.
type TrendsConfig struct {
	Window     time.Duration     `yaml:"window"`
	MinAuthors int               `yaml:"min_authors"`
	Limit      int               `yaml:"limit"`
	Schedules  map[string]string `yaml:"schedules"`
}

// InfoConfig is served as the NIP-11 document
type InfoConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	PubKey      string `yaml:"pubkey"`
	Contact     string `yaml:"contact"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Address:        ":8080",
			MaxMessageSize: 512 * 1024,
			ReadTimeout:    60,
			WriteTimeout:   10,
			CORSOrigins:    []string{"*"},
			MaxLimit:       500,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Path:            "grapevine.db",
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: 300,
		},
		RateLimit: RateLimitConfig{
			Enabled:               true,
			EventsPerSec:          10,
			Burst:                 20,
			AuthorEventsPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Features: FeaturesConfig{
			Search: true,
			Auth:   true,
		},
		Pipeline: PipelineConfig{
			Concurrency:    32,
			VerifyWorkers:  4,
			PolicyWorkers:  4,
			VerifyTimeout:  2 * time.Second,
			PolicyTimeout:  2 * time.Second,
			PersistTimeout: 5 * time.Second,
			StatsTimeout:   5 * time.Second,
			NotifyTimeout:  2 * time.Second,
			Policy: PolicyConfig{
				Name:             "accept-all",
				MaxEventSize:     128 * 1024,
				MaxContentLength: 64 * 1024,
				MaxTags:          2000,
				MaxFutureSkew:    15 * time.Minute,
			},
		},
		Ingest: IngestConfig{
			Kinds:         []int{0, 1, 3, 5, 6, 7, 16, 1111, 9321, 9735, 10000},
			NotifyChannel: "grapevine_events",
		},
		Cache: CacheConfig{
			EncounterSize: 100_000,
			EncounterTTL:  10 * time.Minute,
			ModerationTTL: 30 * time.Second,
		},
		Stats: StatsConfig{
			StreakKinds:       []int{1, 1111},
			StreakSchedule:    "50 * * * *",
			RecomputeSchedule: "15 3 * * *",
			RecomputeWindow:   48 * time.Hour,
		},
		Trends: TrendsConfig{
			Window:     24 * time.Hour,
			MinAuthors: 3,
			Limit:      20,
			Schedules: map[string]string{
				"events":   "0 * * * *",
				"hashtags": "10 * * * *",
				"links":    "20 * * * *",
				"pubkeys":  "30 * * * *",
				"zapped":   "40 * * * *",
			},
		},
		Info: InfoConfig{
			Name:        "grapevine",
			Description: "social graph relay",
		},
	}
}

// Loader reads configuration from a YAML file and the environment
type Loader struct {
	path string
}

// NewLoader creates a loader for path; an empty path uses defaults only.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads the file, then applies environment overrides, then validates.
func (l *Loader) Load() (*Config, error) {
	return l.LoadWithArgs(nil)
}

// LoadWithArgs is Load with a "--config <path>" or "--config=<path>" in args
// taking precedence over the loader's path.
func (l *Loader) LoadWithArgs(args []string) (*Config, error) {
	path := l.path
	for i, arg := range args {
		switch {
		case arg == "--config" && i+1 < len(args):
			path = args[i+1]
		case strings.HasPrefix(arg, "--config="):
			path = strings.TrimPrefix(arg, "--config=")
		}
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

const envPrefix = "GRAPEVINE_"

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = splitList(v)
		}
	}
	var firstErr error
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	str("ADDRESS", &cfg.Network.Address)
	str("TLS_CERT", &cfg.Network.TLSCert)
	str("TLS_KEY", &cfg.Network.TLSKey)
	list("CORS_ORIGINS", &cfg.Network.CORSOrigins)

	str("DB_DRIVER", &cfg.Database.Driver)
	str("DB_PATH", &cfg.Database.Path)
	str("DB_DSN", &cfg.Database.DSN)
	str("SEARCH_PATH", &cfg.Database.SearchPath)
	integer("DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	integer("RATE_LIMIT_EVENTS_PER_SEC", &cfg.RateLimit.EventsPerSec)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	boolean("FEATURE_SEARCH", &cfg.Features.Search)
	boolean("FEATURE_FIREHOSE", &cfg.Features.Firehose)
	boolean("FEATURE_CHANGE_NOTIFY", &cfg.Features.ChangeNotify)
	boolean("FEATURE_REPUBLISH", &cfg.Features.Republish)
	boolean("FEATURE_AUTH", &cfg.Features.Auth)

	integer("PIPELINE_CONCURRENCY", &cfg.Pipeline.Concurrency)
	duration("POLICY_TIMEOUT", &cfg.Pipeline.PolicyTimeout)
	duration("PERSIST_TIMEOUT", &cfg.Pipeline.PersistTimeout)
	str("POLICY", &cfg.Pipeline.Policy.Name)

	list("UPSTREAMS", &cfg.Ingest.Upstreams)
	str("NOTIFY_CHANNEL", &cfg.Ingest.NotifyChannel)
	list("ADMINS", &cfg.Moderation.Admins)

	return firstErr
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Network.Address == "" {
		return fmt.Errorf("network address is required")
	}
	if (c.Network.TLSCert == "") != (c.Network.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}

	switch c.Database.Driver {
	case "", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	if c.Pipeline.Concurrency < 0 {
		return fmt.Errorf("pipeline concurrency must not be negative")
	}
	if c.Trends.MinAuthors < 0 || c.Trends.Limit < 0 {
		return fmt.Errorf("trends thresholds must not be negative")
	}

	for _, pk := range c.Moderation.Admins {
		if b, err := hex.DecodeString(pk); err != nil || len(b) != 32 {
			return fmt.Errorf("invalid admin pubkey %q", pk)
		}
	}

	if c.Features.ChangeNotify && c.Database.Driver != "postgres" {
		return fmt.Errorf("change_notify requires the postgres driver")
	}
	return nil
}

// ConnMaxLifetimeDuration returns ConnMaxLifetime as a time.Duration
func (c *DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Second
}

// ReadTimeoutDuration returns ReadTimeout as a time.Duration
func (c *NetworkConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns WriteTimeout as a time.Duration
func (c *NetworkConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(c.WriteTimeout) * time.Second
}
