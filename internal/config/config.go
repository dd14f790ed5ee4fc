// Package config loads and validates the rowsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvSourceDSN     = "ROWSYNC_SOURCE_DSN"
	EnvDocStoreToken = "ROWSYNC_DOCSTORE_TOKEN"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	DocStore DocStoreConfig `yaml:"docstore"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sync     SyncConfig     `yaml:"sync"`
	Server   ServerConfig   `yaml:"server"`

	// Kinds lists the entity kinds to synchronise, in the order they are
	// reported. At least one is required.
	Kinds []KindConfig `yaml:"kinds"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SourceConfig describes the relational database rows are read from.
type SourceConfig struct {
	// Driver is the database/sql driver name: "sqlite3" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string. May be supplied via
	// ROWSYNC_SOURCE_DSN instead.
	DSN string `yaml:"dsn"`
}

// DocStoreConfig describes the remote document store.
type DocStoreConfig struct {
	// BaseURL is the database root, e.g. "https://school-app.firebaseio.com".
	BaseURL string `yaml:"base_url"`

	// Token is the optional auth token. May be supplied via ROWSYNC_DOCSTORE_TOKEN.
	Token string `yaml:"token"`

	// AuthMode is "query" (token appended as ?auth=) or "bearer". Defaults to "query".
	AuthMode string `yaml:"auth_mode"`

	// Timeout bounds each HTTP attempt. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the retry ceiling for transient failures. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RequestsPerSecond caps the request rate across the process. 0 disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// ReportPath, when set, receives every finished sync report via POST.
	ReportPath string `yaml:"report_path"`
}

// LedgerConfig locates the ledger database.
type LedgerConfig struct {
	// Path of the SQLite ledger. Defaults to ~/.local/share/rowsync/ledger.db.
	Path string `yaml:"path"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	// Concurrency is the maximum number of in-flight remote calls per run. Defaults to 8.
	Concurrency int `yaml:"concurrency"`

	// KindConcurrency is the number of kinds synchronised in parallel. Defaults to 2.
	KindConcurrency int `yaml:"kind_concurrency"`

	// Interval schedules a run periodically in serve mode. 0 disables the scheduler.
	Interval time.Duration `yaml:"interval"`

	// Deadline bounds a single run when the trigger does not supply one. 0 means none.
	Deadline time.Duration `yaml:"deadline"`
}

// ServerConfig configures the administrative HTTP trigger.
type ServerConfig struct {
	// Listen is the host:port to bind. Defaults to ":8089".
	Listen string `yaml:"listen"`
}

// KindConfig maps one entity kind to its source query and document shape.
type KindConfig struct {
	// Name is the kind tag, e.g. "room".
	Name string `yaml:"name"`

	// Query is the SELECT statement returning one row per entity. Use bind
	// parameters for Args; never splice values into the query text.
	Query string `yaml:"query"`

	// Args are bound to the query's placeholders in order.
	Args []any `yaml:"args,omitempty"`

	// IDColumn names the key column. Defaults to "id".
	IDColumn string `yaml:"id_column"`

	// KeepIDField keeps the key column in the document payload.
	KeepIDField bool `yaml:"keep_id_field"`

	// Path is the remote path template. Defaults to "{kind}/{id}".
	Path string `yaml:"path"`

	// Required fields must be present and non-null.
	Required []string `yaml:"required,omitempty"`

	// Exclude drops columns from the payload.
	Exclude []string `yaml:"exclude,omitempty"`

	// Lists maps a column to the delimiter used to split it into an array.
	Lists map[string]string `yaml:"lists,omitempty"`

	// Nest turns dotted column names ("address.city") into nested objects.
	Nest bool `yaml:"nest"`

	// Mode is "set" (replace the document, PUT) or "merge" (PATCH). Defaults to "set".
	Mode string `yaml:"mode"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "rowsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP request.
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRatio is the fraction of sync runs traced, in (0, 1]. Defaults to 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// DefaultPath returns the default config file path: ~/.config/rowsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "rowsync", "config.yaml"), nil
}

// DefaultLedgerPath returns ~/.local/share/rowsync/ledger.db.
func DefaultLedgerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "rowsync", "ledger.db"), nil
}

// Load reads and validates the configuration file at the given path.
// Secrets from the environment take precedence over the file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if v := os.Getenv(EnvSourceDSN); v != "" {
		cfg.Source.DSN = v
	}
	if v := os.Getenv(EnvDocStoreToken); v != "" {
		cfg.DocStore.Token = v
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves the configuration as YAML at path, creating parent directories.
// The file is private to the user since it may hold a DSN with credentials.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// Kind returns the configuration for the named kind.
func (c *Config) Kind(name string) (KindConfig, bool) {
	for _, k := range c.Kinds {
		if k.Name == name {
			return k, true
		}
	}
	return KindConfig{}, false
}

// KindNames returns the configured kind names in file order.
func (c *Config) KindNames() []string {
	names := make([]string, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		names = append(names, k.Name)
	}
	return names
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	switch c.Source.Driver {
	case "sqlite3", "postgres":
	case "":
		return fmt.Errorf("source.driver is required")
	default:
		return fmt.Errorf("source.driver %q is not supported (use sqlite3 or postgres)", c.Source.Driver)
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required (or set %s)", EnvSourceDSN)
	}

	if c.DocStore.BaseURL == "" {
		return fmt.Errorf("docstore.base_url is required")
	}
	u, err := url.ParseRequestURI(c.DocStore.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("docstore.base_url %q must be a valid http or https URL", c.DocStore.BaseURL)
	}
	switch c.DocStore.AuthMode {
	case "":
		c.DocStore.AuthMode = "query"
	case "query", "bearer":
	default:
		return fmt.Errorf("docstore.auth_mode %q must be query or bearer", c.DocStore.AuthMode)
	}
	if c.DocStore.Timeout == 0 {
		c.DocStore.Timeout = 30 * time.Second
	}
	if c.DocStore.Timeout < 0 {
		return fmt.Errorf("docstore.timeout must be positive")
	}
	if c.DocStore.MaxAttempts == 0 {
		c.DocStore.MaxAttempts = 3
	}
	if c.DocStore.MaxAttempts < 1 || c.DocStore.MaxAttempts > 10 {
		return fmt.Errorf("docstore.max_attempts %d out of range (1-10)", c.DocStore.MaxAttempts)
	}
	if c.DocStore.RequestsPerSecond < 0 {
		return fmt.Errorf("docstore.requests_per_second must not be negative")
	}

	if c.Ledger.Path == "" {
		p, err := DefaultLedgerPath()
		if err != nil {
			return err
		}
		c.Ledger.Path = p
	} else if strings.HasPrefix(c.Ledger.Path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		c.Ledger.Path = filepath.Join(home, c.Ledger.Path[2:])
	}

	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 8
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if c.Sync.KindConcurrency == 0 {
		c.Sync.KindConcurrency = 2
	}
	if c.Sync.KindConcurrency < 1 {
		return fmt.Errorf("sync.kind_concurrency must be at least 1")
	}
	if c.Sync.Interval != 0 && c.Sync.Interval < 10*time.Second {
		return fmt.Errorf("sync.interval %v is too short (minimum 10s)", c.Sync.Interval)
	}
	if c.Sync.Deadline < 0 {
		return fmt.Errorf("sync.deadline must not be negative")
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8089"
	}

	if len(c.Kinds) == 0 {
		return fmt.Errorf("kinds must contain at least one entry")
	}
	seen := make(map[string]bool, len(c.Kinds))
	for i := range c.Kinds {
		k := &c.Kinds[i]
		if k.Name == "" {
			return fmt.Errorf("kinds[%d] has an empty name", i)
		}
		if strings.ContainsAny(k.Name, "/.$#[]") {
			return fmt.Errorf("kind %q contains characters not allowed in a document key", k.Name)
		}
		if seen[k.Name] {
			return fmt.Errorf("kind %q is configured twice", k.Name)
		}
		seen[k.Name] = true
		if strings.TrimSpace(k.Query) == "" {
			return fmt.Errorf("kind %q has an empty query", k.Name)
		}
		if k.IDColumn == "" {
			k.IDColumn = "id"
		}
		if k.Path == "" {
			k.Path = "{kind}/{id}"
		}
		switch k.Mode {
		case "":
			k.Mode = "set"
		case "set", "merge":
		default:
			return fmt.Errorf("kind %q: mode %q must be set or merge", k.Name, k.Mode)
		}
		for col, sep := range k.Lists {
			if sep == "" {
				return fmt.Errorf("kind %q: lists[%q] has an empty delimiter", k.Name, col)
			}
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.SampleRatio == 0 {
			c.Telemetry.SampleRatio = 1
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be in (0, 1], got %v", c.Telemetry.SampleRatio)
		}
	}

	return nil
}
