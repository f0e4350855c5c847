package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/dbfs/dbfs/internal/circuit"
	"github.com/dbfs/dbfs/pkg/health"
	"github.com/dbfs/dbfs/pkg/retry"
)

// Configuration represents the complete process configuration. Server
// definitions live in the separate INI file named by Mount.ConfigFile.
type Configuration struct {
	Global GlobalConfig `yaml:"global"`
	Mount  MountConfig  `yaml:"mount"`
	Poller PollerConfig `yaml:"poller"`
	Query  QueryConfig  `yaml:"query"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
	// MetricsPort serves /metrics and /health when non-zero.
	MetricsPort int `yaml:"metrics_port"`
}

// MountConfig represents mount settings
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	DumpPath     string        `yaml:"dump_path"`
	ConfigFile   string        `yaml:"config_file"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// PollerConfig represents custom query refresh settings
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// QueryConfig represents remote query settings
type QueryConfig struct {
	LoginTimeout   time.Duration  `yaml:"login_timeout"`
	QueryTimeout   time.Duration  `yaml:"query_timeout"`
	MaxOpenConns   int            `yaml:"max_open_conns"`
	Retry          retry.Config   `yaml:"retry"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
	Health         health.Config  `yaml:"health"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Mount: MountConfig{
			FSName:       "dbfs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Poller: PollerConfig{
			Enabled:  true,
			Interval: 5 * time.Second,
		},
		Query: QueryConfig{
			LoginTimeout:   3 * time.Second,
			QueryTimeout:   5 * time.Second,
			MaxOpenConns:   4,
			Retry:          retry.DefaultConfig(),
			CircuitBreaker: circuit.DefaultConfig(),
			Health:         health.DefaultConfig(),
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DBFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("DBFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DBFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DBFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid DBFS_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}

	// Mount settings
	if val := os.Getenv("DBFS_MOUNT_PATH"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("DBFS_DUMP_PATH"); val != "" {
		c.Mount.DumpPath = val
	}
	if val := os.Getenv("DBFS_CONF_FILE"); val != "" {
		c.Mount.ConfigFile = val
	}
	if val := os.Getenv("DBFS_ALLOW_OTHER"); val != "" {
		c.Mount.AllowOther = strings.ToLower(val) == "true"
	}

	// Poller settings
	if val := os.Getenv("DBFS_POLLER_ENABLED"); val != "" {
		c.Poller.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DBFS_POLL_INTERVAL"); val != "" {
		interval, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid DBFS_POLL_INTERVAL: %w", err)
		}
		c.Poller.Interval = interval
	}

	// Query settings
	if val := os.Getenv("DBFS_LOGIN_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid DBFS_LOGIN_TIMEOUT: %w", err)
		}
		c.Query.LoginTimeout = timeout
	}
	if val := os.Getenv("DBFS_QUERY_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid DBFS_QUERY_TIMEOUT: %w", err)
		}
		c.Query.QueryTimeout = timeout
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Global.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %s (must be console or json)", c.Global.LogFormat)
	}

	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port out of range: %d", c.Global.MetricsPort)
	}

	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be greater than 0")
	}

	if c.Query.LoginTimeout <= 0 || c.Query.QueryTimeout <= 0 {
		return fmt.Errorf("query timeouts must be greater than 0")
	}

	if c.Query.MaxOpenConns <= 0 {
		return fmt.Errorf("max_open_conns must be greater than 0")
	}

	if c.Query.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be greater than 0")
	}

	for name, p := range map[string]string{"mount_point": c.Mount.MountPoint, "dump_path": c.Mount.DumpPath} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	return nil
}
