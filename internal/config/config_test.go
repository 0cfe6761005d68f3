package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, EngineLighthouse, cfg.Engine.Kind)
	require.Equal(t, "en-US", cfg.Engine.DefaultLocale)
	require.Equal(t, "reports", cfg.Storage.Dir)
	require.Equal(t, "lighthouse", cfg.Storage.Prefix)
	require.Equal(t, 60*time.Second, cfg.LaunchTimeout())
	require.Equal(t, 120*time.Second, cfg.EngineTimeout())
	require.Equal(t, 210*time.Second, cfg.RequestTimeout())
	require.True(t, cfg.Browser.Headless)
}

func TestRequestTimeoutCoversLaunchAndEngine(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Browser: BrowserConfig{LaunchTimeoutSeconds: 30},
		Engine:  EngineConfig{TimeoutSeconds: 90},
	}
	require.Equal(t, 150*time.Second, cfg.RequestTimeout())
	require.Greater(t, cfg.RequestTimeout(), cfg.LaunchTimeout()+cfg.EngineTimeout())

	cfg.Server.RequestTimeoutSeconds = 45
	require.Equal(t, 45*time.Second, cfg.RequestTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 240
logging:
  development: false
  level: debug
browser:
  binary_path: /usr/bin/chromium
  launch_timeout_seconds: 30
  probe_interval_ms: 100
  extra_flags: ["--lang=de"]
engine:
  kind: cdp
  default_locale: de-DE
  timeout_seconds: 90
storage:
  dir: /var/lib/audits
  prefix: audit
  gcs_bucket: reports-bucket
database:
  dsn: postgres://localhost/audits
pubsub:
  project_id: proj
  topic_name: audits
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 240*time.Second, cfg.RequestTimeout())
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "/usr/bin/chromium", cfg.Browser.BinaryPath)
	require.Equal(t, []string{"--lang=de"}, cfg.Browser.ExtraFlags)
	require.Equal(t, EngineCDP, cfg.Engine.Kind)
	require.Equal(t, "de-DE", cfg.Engine.DefaultLocale)
	require.Equal(t, "/var/lib/audits", cfg.Storage.Dir)
	require.Equal(t, "audit", cfg.Storage.Prefix)
	require.Equal(t, "reports-bucket", cfg.Storage.GCSBucket)
	require.Equal(t, "audit_ledger", cfg.Database.Table)
	require.Equal(t, "audits", cfg.PubSub.TopicName)
}

func TestLoadHonorsPortAndChromePathEnv(t *testing.T) {
	t.Setenv("PORT", "8181")
	t.Setenv("CHROME_PATH", "/opt/chrome/chrome")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8181, cfg.Server.Port)
	require.Equal(t, "/opt/chrome/chrome", cfg.Browser.BinaryPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 3000, RequestTimeoutSeconds: 60},
		Browser: BrowserConfig{LaunchTimeoutSeconds: 60, ProbeIntervalMs: 250},
		Engine:  EngineConfig{Kind: EngineLighthouse, LighthousePath: "lighthouse", TimeoutSeconds: 60},
		Storage: StorageConfig{Dir: "reports", Prefix: "lighthouse"},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "invalid request timeout", mutate: func(c *Config) { c.Server.RequestTimeoutSeconds = -1 }, want: "server.request_timeout_seconds"},
		{name: "invalid launch timeout", mutate: func(c *Config) { c.Browser.LaunchTimeoutSeconds = -1 }, want: "browser.launch_timeout_seconds"},
		{name: "invalid probe interval", mutate: func(c *Config) { c.Browser.ProbeIntervalMs = 0 }, want: "browser.probe_interval_ms"},
		{name: "unknown engine", mutate: func(c *Config) { c.Engine.Kind = "pagespeed" }, want: "engine.kind"},
		{name: "missing lighthouse path", mutate: func(c *Config) { c.Engine.LighthousePath = " " }, want: "engine.lighthouse_path"},
		{name: "invalid engine timeout", mutate: func(c *Config) { c.Engine.TimeoutSeconds = 0 }, want: "engine.timeout_seconds"},
		{name: "missing storage dir", mutate: func(c *Config) { c.Storage.Dir = "" }, want: "storage.dir"},
		{name: "unsafe prefix", mutate: func(c *Config) { c.Storage.Prefix = "../x" }, want: "storage.prefix"},
		{name: "two mirrors", mutate: func(c *Config) { c.Storage.MirrorDir = "/backup"; c.Storage.GCSBucket = "b" }, want: "mutually exclusive"},
		{name: "mirror onto itself", mutate: func(c *Config) { c.Storage.MirrorDir = "reports/" }, want: "storage.mirror_dir"},
		{name: "unknown exporter", mutate: func(c *Config) { c.Telemetry.Exporter = "jaeger" }, want: "telemetry.exporter"},
		{name: "gcp exporter without project", mutate: func(c *Config) { c.Telemetry.Exporter = "gcp" }, want: "telemetry.project_id"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
