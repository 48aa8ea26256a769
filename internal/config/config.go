// Package config loads and hot-reloads the CDP gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cdpgateway/internal/logger"
)

// Config is the gateway's top-level configuration document.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address, e.g. "127.0.0.1:9222".
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr is the Prometheus /metrics bind address. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// EnableTestEndpoints gates /test/browser/*. Must be false
	// in production builds regardless of the YAML value; see ApplyDefaults.
	EnableTestEndpoints bool `yaml:"enable_test_endpoints"`

	// DefaultPageURL is the "new tab" URL used by SurfaceSupervisor.createBrowser.
	DefaultPageURL string `yaml:"default_page_url"`

	// Readiness controls SessionMultiplexer's attach-readiness wait.
	Readiness ReadinessConfig `yaml:"readiness"`

	Logger logger.Config `yaml:"logger"`
}

// ReadinessConfig times the three-stage settle/load-wait/settle sequence
// run before a debugger attaches to a page.
type ReadinessConfig struct {
	InitialSettle time.Duration `yaml:"initial_settle"`
	LoadWaitMax time.Duration `yaml:"load_wait_max"`
	FinalSettle time.Duration `yaml:"final_settle"`
}

// ApplyDefaults fills unset fields with sane defaults. It always runs after
// loading, whether from YAML or from the fallback in Default.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:9222"
	}
	if c.DefaultPageURL == "" {
		c.DefaultPageURL = "about:blank"
	}
	if c.Readiness.InitialSettle <= 0 {
		c.Readiness.InitialSettle = 50 * time.Millisecond
	}
	if c.Readiness.LoadWaitMax <= 0 {
		c.Readiness.LoadWaitMax = 5 * time.Second
	}
	if c.Readiness.FinalSettle <= 0 {
		c.Readiness.FinalSettle = 25 * time.Millisecond
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stdout"
	}
	// Production builds never serve the test endpoints, no matter what the
	// YAML says — requires a single build-time or environment
	// gate, not a client-controllable one.
	if os.Getenv("CDPGATEWAY_PRODUCTION") == "1" {
		c.EnableTestEndpoints = false
	}
}

// Load reads and parses a YAML config file, applying defaults afterward.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a fully defaulted configuration, used when no config file
// is given on the command line.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Diff reports the top-level fields that changed between two configs, for
// logging on hot-reload.
func Diff(oldCfg, newCfg *Config) []string {
	var changed []string
	if oldCfg.EnableTestEndpoints != newCfg.EnableTestEndpoints {
		changed = append(changed, "enable_test_endpoints")
	}
	if oldCfg.DefaultPageURL != newCfg.DefaultPageURL {
		changed = append(changed, "default_page_url")
	}
	if oldCfg.Readiness != newCfg.Readiness {
		changed = append(changed, "readiness")
	}
	if oldCfg.Logger.Level != newCfg.Logger.Level {
		changed = append(changed, "logger.level")
	}
	if oldCfg.ListenAddr != newCfg.ListenAddr {
		changed = append(changed, "listen_addr (requires restart, ignored)")
	}
	return changed
}
