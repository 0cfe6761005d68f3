// Package config loads and validates audit server configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine kinds accepted by engine.kind.
const (
	EngineLighthouse = "lighthouse"
	EngineCDP        = "cdp"
)

const requestTimeoutMargin = 30 * time.Second

var validPrefix = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int `mapstructure:"port"`
	RequestTimeoutSeconds    int `mapstructure:"request_timeout_seconds"`
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrowserConfig configures how headless Chrome sessions are launched.
type BrowserConfig struct {
	BinaryPath           string   `mapstructure:"binary_path"`
	Headless             bool     `mapstructure:"headless"`
	LaunchTimeoutSeconds int      `mapstructure:"launch_timeout_seconds"`
	ProbeIntervalMs      int      `mapstructure:"probe_interval_ms"`
	ProbeTimeoutMs       int      `mapstructure:"probe_timeout_ms"`
	ExtraFlags           []string `mapstructure:"extra_flags"`
}

// EngineConfig selects and tunes the scoring engine.
type EngineConfig struct {
	Kind             string `mapstructure:"kind"`
	LighthousePath   string `mapstructure:"lighthouse_path"`
	DefaultLocale    string `mapstructure:"default_locale"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxWaitForLoadMs int    `mapstructure:"max_wait_for_load_ms"`
	MaxWaitForFCPMs  int    `mapstructure:"max_wait_for_fcp_ms"`
	StderrTailBytes  int    `mapstructure:"stderr_tail_bytes"`
}

// StorageConfig sets where completed reports are written.
type StorageConfig struct {
	Dir       string `mapstructure:"dir"`
	Prefix    string `mapstructure:"prefix"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// MirrorDir copies every report into a second local directory.
	MirrorDir string `mapstructure:"mirror_dir"`
}

// DatabaseConfig controls the optional Postgres audit ledger.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the audit lifecycle event hub.
type EventsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	// Exporter is "none" or "gcp" (Cloud Trace).
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.launch_timeout_seconds", 60)
	v.SetDefault("browser.probe_interval_ms", 250)
	v.SetDefault("browser.probe_timeout_ms", 2000)
	v.SetDefault("browser.extra_flags", []string{})
	v.SetDefault("engine.kind", EngineLighthouse)
	v.SetDefault("engine.lighthouse_path", "lighthouse")
	v.SetDefault("engine.default_locale", "en-US")
	v.SetDefault("engine.timeout_seconds", 120)
	v.SetDefault("engine.max_wait_for_load_ms", 45000)
	v.SetDefault("engine.max_wait_for_fcp_ms", 30000)
	v.SetDefault("engine.stderr_tail_bytes", 2048)
	v.SetDefault("storage.dir", "reports")
	v.SetDefault("storage.prefix", "lighthouse")
	v.SetDefault("database.table", "audit_ledger")
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", false)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 500)
	v.SetDefault("events.sink_timeout_ms", 5000)
	v.SetDefault("telemetry.service_name", "page-audit-server")
	v.SetDefault("telemetry.tracing_enabled", true)
	v.SetDefault("telemetry.exporter", "none")
}

// bindLegacyEnv lets the conventional PORT and CHROME_PATH variables override
// the prefixed ones.
func bindLegacyEnv(v *viper.Viper) error {
	if err := v.BindEnv("server.port", "PORT", "AUDIT_SERVER_PORT"); err != nil {
		return fmt.Errorf("bind server.port env: %w", err)
	}
	if err := v.BindEnv("browser.binary_path", "CHROME_PATH", "AUDIT_BROWSER_BINARY_PATH"); err != nil {
		return fmt.Errorf("bind browser.binary_path env: %w", err)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("server.request_timeout_seconds must be >= 0")
	}
	if c.Browser.LaunchTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.launch_timeout_seconds must be > 0")
	}
	if c.Browser.ProbeIntervalMs <= 0 {
		return fmt.Errorf("browser.probe_interval_ms must be > 0")
	}
	switch c.Engine.Kind {
	case EngineLighthouse:
		if strings.TrimSpace(c.Engine.LighthousePath) == "" {
			return fmt.Errorf("engine.lighthouse_path is required for the lighthouse engine")
		}
	case EngineCDP:
	default:
		return fmt.Errorf("engine.kind must be %q or %q, got %q", EngineLighthouse, EngineCDP, c.Engine.Kind)
	}
	if c.Engine.TimeoutSeconds <= 0 {
		return fmt.Errorf("engine.timeout_seconds must be > 0")
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if !validPrefix.MatchString(c.Storage.Prefix) {
		return fmt.Errorf("storage.prefix must match %s", validPrefix.String())
	}
	if c.Storage.MirrorDir != "" {
		if c.Storage.GCSBucket != "" {
			return fmt.Errorf("storage.mirror_dir and storage.gcs_bucket are mutually exclusive")
		}
		if filepath.Clean(c.Storage.MirrorDir) == filepath.Clean(c.Storage.Dir) {
			return fmt.Errorf("storage.mirror_dir must differ from storage.dir")
		}
	}
	switch c.Telemetry.Exporter {
	case "", "none":
	case "gcp":
		if c.Telemetry.ProjectID == "" {
			return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be \"none\" or \"gcp\", got %q", c.Telemetry.Exporter)
	}
	return nil
}

// LaunchTimeout is the overall ceiling for a browser to become reachable.
func (c Config) LaunchTimeout() time.Duration {
	return time.Duration(c.Browser.LaunchTimeoutSeconds) * time.Second
}

// EngineTimeout bounds one scoring engine invocation.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds one HTTP request end to end. Left at zero it is the
// launch timeout plus the engine timeout plus requestTimeoutMargin.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSeconds > 0 {
		return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
	}
	return c.LaunchTimeout() + c.EngineTimeout() + requestTimeoutMargin
}
