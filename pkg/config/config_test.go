package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Network.Address != ":8080" {
		t.Errorf("expected default address :8080, got %s", cfg.Network.Address)
	}
	if cfg.Database.Path != "grapevine.db" {
		t.Errorf("expected default db path grapevine.db, got %s", cfg.Database.Path)
	}
	if !cfg.RateLimit.Enabled {
		t.Error("expected rate limiting enabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Pipeline.Policy.Name != "accept-all" {
		t.Errorf("expected default policy accept-all, got %s", cfg.Pipeline.Policy.Name)
	}
	if cfg.Trends.MinAuthors != 3 {
		t.Errorf("expected default min authors 3, got %d", cfg.Trends.MinAuthors)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	admin := "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty address", mutate: func(c *Config) { c.Network.Address = "" }, wantErr: true},
		{name: "empty db path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "memory needs no path", mutate: func(c *Config) { c.Database.Driver = "memory"; c.Database.Path = "" }},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "mongo" }, wantErr: true},
		{name: "tls cert without key", mutate: func(c *Config) { c.Network.TLSCert = "cert.pem" }, wantErr: true},
		{name: "tls key without cert", mutate: func(c *Config) { c.Network.TLSKey = "key.pem" }, wantErr: true},
		{name: "valid tls config", mutate: func(c *Config) { c.Network.TLSCert = "cert.pem"; c.Network.TLSKey = "key.pem" }},
		{name: "bad admin pubkey", mutate: func(c *Config) { c.Moderation.Admins = []string{"abc"} }, wantErr: true},
		{name: "good admin pubkey", mutate: func(c *Config) { c.Moderation.Admins = []string{admin} }},
		{name: "change notify needs postgres", mutate: func(c *Config) { c.Features.ChangeNotify = true }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	yamlContent := `
network:
  address: ":9090"
  tls_cert: "/path/to/cert.pem"
  tls_key: "/path/to/key.pem"
database:
  path: "/var/lib/grapevine/db.sqlite"
  max_open_conns: 50
rate_limit:
  enabled: false
  events_per_sec: 5
logging:
  level: "debug"
  format: "json"
features:
  firehose: true
pipeline:
  policy_timeout: 750ms
  policy:
    name: sane
    min_pow: 8
ingest:
  upstreams: ["wss://relay.example.com"]
trends:
  min_authors: 5
  schedules:
    hashtags: "5 * * * *"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader(configPath)
	cfg, err := loader.LoadWithArgs(nil)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Network.Address != ":9090" {
		t.Errorf("expected address :9090, got %s", cfg.Network.Address)
	}
	if cfg.Network.TLSCert != "/path/to/cert.pem" {
		t.Errorf("expected cert /path/to/cert.pem, got %s", cfg.Network.TLSCert)
	}
	if cfg.Database.Path != "/var/lib/grapevine/db.sqlite" {
		t.Errorf("expected db path /var/lib/grapevine/db.sqlite, got %s", cfg.Database.Path)
	}
	if cfg.Database.MaxOpenConns != 50 {
		t.Errorf("expected max_open_conns 50, got %d", cfg.Database.MaxOpenConns)
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled")
	}
	if cfg.RateLimit.EventsPerSec != 5 {
		t.Errorf("expected events_per_sec 5, got %d", cfg.RateLimit.EventsPerSec)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if !cfg.Features.Firehose {
		t.Error("expected firehose enabled")
	}
	if cfg.Pipeline.PolicyTimeout != 750*time.Millisecond {
		t.Errorf("expected policy timeout 750ms, got %v", cfg.Pipeline.PolicyTimeout)
	}
	if cfg.Pipeline.PersistTimeout != 5*time.Second {
		t.Errorf("expected default persist timeout to survive, got %v", cfg.Pipeline.PersistTimeout)
	}
	if cfg.Pipeline.Policy.Name != "sane" || cfg.Pipeline.Policy.MinPoW != 8 {
		t.Errorf("unexpected policy %+v", cfg.Pipeline.Policy)
	}
	if len(cfg.Ingest.Upstreams) != 1 {
		t.Errorf("expected one upstream, got %v", cfg.Ingest.Upstreams)
	}
	if cfg.Trends.MinAuthors != 5 {
		t.Errorf("expected min authors 5, got %d", cfg.Trends.MinAuthors)
	}
	if cfg.Trends.Schedules["hashtags"] != "5 * * * *" {
		t.Errorf("expected hashtags schedule override, got %q", cfg.Trends.Schedules["hashtags"])
	}
	if cfg.Trends.Schedules["events"] != "0 * * * *" {
		t.Errorf("expected default events schedule kept, got %q", cfg.Trends.Schedules["events"])
	}
}

func TestLoadWithArgsConfigFlag(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "flag.yaml")
	if err := os.WriteFile(configPath, []byte("network:\n  address: \":7070\"\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := NewLoader("").LoadWithArgs([]string{"serve", "--config", configPath})
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Network.Address != ":7070" {
		t.Errorf("expected address :7070, got %s", cfg.Network.Address)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("GRAPEVINE_ADDRESS", ":9999")
	t.Setenv("GRAPEVINE_TLS_CERT", "/env/cert.pem")
	t.Setenv("GRAPEVINE_TLS_KEY", "/env/key.pem")
	t.Setenv("GRAPEVINE_DB_PATH", "/env/grapevine.db")
	t.Setenv("GRAPEVINE_LOG_LEVEL", "warn")
	t.Setenv("GRAPEVINE_RATE_LIMIT_ENABLED", "false")
	t.Setenv("GRAPEVINE_FEATURE_REPUBLISH", "true")
	t.Setenv("GRAPEVINE_POLICY_TIMEOUT", "3s")
	t.Setenv("GRAPEVINE_UPSTREAMS", "wss://a.example, wss://b.example")

	loader := NewLoader("")
	cfg, err := loader.LoadWithArgs(nil)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Network.Address != ":9999" {
		t.Errorf("expected address :9999, got %s", cfg.Network.Address)
	}
	if cfg.Network.TLSCert != "/env/cert.pem" {
		t.Errorf("expected cert /env/cert.pem, got %s", cfg.Network.TLSCert)
	}
	if cfg.Network.TLSKey != "/env/key.pem" {
		t.Errorf("expected key /env/key.pem, got %s", cfg.Network.TLSKey)
	}
	if cfg.Database.Path != "/env/grapevine.db" {
		t.Errorf("expected db path /env/grapevine.db, got %s", cfg.Database.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.RateLimit.Enabled {
		t.Error("expected rate limiting disabled from env")
	}
	if !cfg.Features.Republish {
		t.Error("expected republish enabled from env")
	}
	if cfg.Pipeline.PolicyTimeout != 3*time.Second {
		t.Errorf("expected policy timeout 3s, got %v", cfg.Pipeline.PolicyTimeout)
	}
	if len(cfg.Ingest.Upstreams) != 2 || cfg.Ingest.Upstreams[1] != "wss://b.example" {
		t.Errorf("unexpected upstreams %v", cfg.Ingest.Upstreams)
	}
}

func TestEnvironmentVariablesInvalid(t *testing.T) {
	t.Setenv("GRAPEVINE_PIPELINE_CONCURRENCY", "many")

	if _, err := NewLoader("").Load(); err == nil {
		t.Error("expected error for non-numeric concurrency")
	}
}

func TestConnMaxLifetimeDuration(t *testing.T) {
	cfg := &DatabaseConfig{
		ConnMaxLifetime: 300,
	}

	duration := cfg.ConnMaxLifetimeDuration()
	if duration.Seconds() != 300 {
		t.Errorf("expected 300 seconds, got %v", duration)
	}
}
