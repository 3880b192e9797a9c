package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rendis/relay/internal/listener"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/validation"
	"github.com/rendis/relay/internal/worker"
	"github.com/rendis/relay/pkg/mcp"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MCPConfig controls the MCP tool server.
type MCPConfig struct {
	Enabled     bool     `yaml:"enabled"`
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// Config holds all relay worker configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	DispatcherAddress     string            `yaml:"dispatcher_address"`
	WorkerName            string            `yaml:"worker_name"`
	MaxRuns               int               `yaml:"max_runs"`
	LogLevel              string            `yaml:"log_level"`
	LogFormat             string            `yaml:"log_format"`
	ListenerRetryCount    int               `yaml:"listener_retry_count"`
	ListenerRetryInterval Duration          `yaml:"listener_retry_interval"`
	StartupRetries        int               `yaml:"startup_retries"`
	StartupInterval       Duration          `yaml:"startup_interval"`
	ShutdownTimeout       Duration          `yaml:"shutdown_timeout"`
	JournalPath           string            `yaml:"journal_path"`
	JournalRetention      Duration          `yaml:"journal_retention"`
	PruneSchedule         string            `yaml:"prune_schedule"`
	MetricsAddress        string            `yaml:"metrics_address"`
	Labels                map[string]string `yaml:"labels,omitempty"`
	MCP                   MCPConfig         `yaml:"mcp"`
}

func defaultConfig() Config {
	return Config{
		DispatcherAddress:     "localhost:7070",
		WorkerName:            worker.DefaultName,
		MaxRuns:               worker.DefaultMaxRuns,
		LogLevel:              "info",
		LogFormat:             "text",
		ListenerRetryCount:    listener.DefaultActionListenerRetryCount,
		ListenerRetryInterval: Duration(listener.DefaultActionListenerRetryInterval),
		StartupRetries:        worker.DefaultStartupRetries,
		StartupInterval:       Duration(worker.DefaultStartupInterval),
		ShutdownTimeout:       Duration(worker.DefaultShutdownTimeout),
		JournalPath:           filepath.Join(relayDir(), "journal.db"),
		JournalRetention:      Duration(7 * 24 * time.Hour),
		PruneSchedule:         scheduler.DefaultPruneSchedule,
		MCP:                   MCPConfig{WaitTimeout: Duration(mcp.DefaultWaitTimeout)},
	}
}

func relayDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func settingsPath() string {
	return filepath.Join(relayDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file at path (a missing file is
// fine), and RELAY_* environment variables read through getenv.
func loadConfig(path string, getenv func(string) string, v validation.Validator) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read settings %s: %w", path, err)
	default:
		if err := decodeSettings(data, &cfg, v); err != nil {
			return cfg, fmt.Errorf("settings %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeSettings validates a settings document against the settings schema
// and decodes it over cfg.
func decodeSettings(data []byte, cfg *Config, v validation.Validator) error {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc != nil {
		if err := v.ValidateSettings(doc); err != nil {
			return err
		}
	}
	return yaml.Unmarshal(data, cfg)
}

type envBinding struct {
	key string
	set func(cfg *Config, val string) error
}

var envBindings = []envBinding{
	{"RELAY_DISPATCHER_ADDRESS", func(c *Config, v string) error { c.DispatcherAddress = v; return nil }},
	{"RELAY_WORKER_NAME", func(c *Config, v string) error { c.WorkerName = v; return nil }},
	{"RELAY_MAX_RUNS", intSetter(func(c *Config) *int { return &c.MaxRuns })},
	{"RELAY_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"RELAY_LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
	{"RELAY_LISTENER_RETRY_COUNT", intSetter(func(c *Config) *int { return &c.ListenerRetryCount })},
	{"RELAY_LISTENER_RETRY_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.ListenerRetryInterval })},
	{"RELAY_STARTUP_RETRIES", intSetter(func(c *Config) *int { return &c.StartupRetries })},
	{"RELAY_STARTUP_INTERVAL", durationSetter(func(c *Config) *Duration { return &c.StartupInterval })},
	{"RELAY_SHUTDOWN_TIMEOUT", durationSetter(func(c *Config) *Duration { return &c.ShutdownTimeout })},
	{"RELAY_JOURNAL_PATH", func(c *Config, v string) error { c.JournalPath = v; return nil }},
	{"RELAY_JOURNAL_RETENTION", durationSetter(func(c *Config) *Duration { return &c.JournalRetention })},
	{"RELAY_PRUNE_SCHEDULE", func(c *Config, v string) error { c.PruneSchedule = v; return nil }},
	{"RELAY_METRICS_ADDRESS", func(c *Config, v string) error { c.MetricsAddress = v; return nil }},
	{"RELAY_MCP_ENABLED", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.MCP.Enabled = b
		return nil
	}},
	{"RELAY_MCP_WAIT_TIMEOUT", durationSetter(func(c *Config) *Duration { return &c.MCP.WaitTimeout })},
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func durationSetter(field func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	for _, b := range envBindings {
		v := getenv(b.key)
		if v == "" {
			continue
		}
		if err := b.set(cfg, v); err != nil {
			return fmt.Errorf("%s=%q: %w", b.key, v, err)
		}
	}
	return nil
}

// registerFlags declares the per-run overrides on fs.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("dispatcher", "", "dispatcher address (host:port)")
	fs.String("name", "", "worker name")
	fs.Int("max-runs", 0, "maximum concurrent step runs")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text, json")
	fs.String("journal", "", "journal database path")
	fs.Bool("no-journal", false, "run without a step-run journal")
	fs.String("metrics-addr", "", "address to serve /metrics on")
	fs.Bool("mcp", false, "serve MCP tools on stdio")
	fs.Duration("shutdown-timeout", 0, "how long to wait for in-flight step runs on shutdown")
}

// applyFlags overrides cfg with every flag set explicitly on the command line.
func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "dispatcher":
			cfg.DispatcherAddress = f.Value.String()
		case "name":
			cfg.WorkerName = f.Value.String()
		case "max-runs":
			if n, err := fs.GetInt("max-runs"); err == nil {
				cfg.MaxRuns = n
			}
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-format":
			cfg.LogFormat = f.Value.String()
		case "journal":
			cfg.JournalPath = f.Value.String()
		case "no-journal":
			if b, err := fs.GetBool("no-journal"); err == nil && b {
				cfg.JournalPath = ""
			}
		case "metrics-addr":
			cfg.MetricsAddress = f.Value.String()
		case "mcp":
			if b, err := fs.GetBool("mcp"); err == nil {
				cfg.MCP.Enabled = b
			}
		case "shutdown-timeout":
			if d, err := fs.GetDuration("shutdown-timeout"); err == nil {
				cfg.ShutdownTimeout = Duration(d)
			}
		}
	})
}

// validate checks the merged configuration against the settings schema.
func (c Config) validate(v validation.Validator) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := v.ValidateSettings(doc); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
