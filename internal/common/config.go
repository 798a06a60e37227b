package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Bus         BusConfig       `toml:"bus"`
	Jobs        JobsConfig      `toml:"jobs"`
	Sources     SourcesConfig   `toml:"sources"`
	Logging     LoggingConfig   `toml:"logging"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Lock wait before SQLITE_BUSY
	WALMode       bool   `toml:"wal_mode"`        // Write-ahead logging
}

// BusConfig configures the durable message bus (goqite over SQLite)
type BusConfig struct {
	Path              string `toml:"path"`               // Bus database file path
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - consumer poll cadence
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - redelivery window
	MaxReceive        int    `toml:"max_receive"`        // Deliveries before dead-letter
	RetentionAge      string `toml:"retention_age"`      // e.g. "24h" - terminal event retention
}

// JobsConfig configures coordinator behavior
type JobsConfig struct {
	Deadline          string `toml:"deadline"`           // Per-job deadline, e.g. "30m"
	SourceConcurrency int    `toml:"source_concurrency"` // Max concurrent source runs per job
	WorkDir           string `toml:"work_dir"`           // Scratch dir for downloaded invoices
}

// SourcesConfig configures source adapters
type SourcesConfig struct {
	Headless       bool   `toml:"headless"`        // Headless browser for portal sources
	RequestTimeout string `toml:"request_timeout"` // Per-request timeout for portal/mailbox I/O
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs
}

// SchedulerConfig configures cron-driven automation triggers
type SchedulerConfig struct {
	Enabled bool `toml:"enabled"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/fakturenn.db",
				CacheSizeMB:   64,
				BusyTimeoutMS: 5000,
				WALMode:       true,
			},
		},
		Bus: BusConfig{
			Path:              "./data/bus.db",
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			RetentionAge:      "24h",
		},
		Jobs: JobsConfig{
			Deadline:          "30m",
			SourceConcurrency: 8,
			WorkDir:           "./data/invoices",
		},
		Sources: SourcesConfig{
			Headless:       true,
			RequestTimeout: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
	}
}

// LoadFromFiles loads configuration from files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FAKTURENN_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("FAKTURENN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("FAKTURENN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("FAKTURENN_DB_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}
	if path := os.Getenv("FAKTURENN_BUS_DB_PATH"); path != "" {
		config.Bus.Path = path
	}

	if deadline := os.Getenv("FAKTURENN_JOB_DEADLINE"); deadline != "" {
		if _, err := time.ParseDuration(deadline); err == nil {
			config.Jobs.Deadline = deadline
		}
	}
	if workDir := os.Getenv("FAKTURENN_WORK_DIR"); workDir != "" {
		config.Jobs.WorkDir = workDir
	}

	if level := os.Getenv("FAKTURENN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// JobDeadline returns the per-job deadline as a duration
func (c *Config) JobDeadline() time.Duration {
	d, err := time.ParseDuration(c.Jobs.Deadline)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// BusPollInterval returns the consumer poll interval as a duration
func (c *Config) BusPollInterval() time.Duration {
	d, err := time.ParseDuration(c.Bus.PollInterval)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

// BusVisibilityTimeout returns the message visibility timeout as a duration
func (c *Config) BusVisibilityTimeout() time.Duration {
	d, err := time.ParseDuration(c.Bus.VisibilityTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// BusRetentionAge returns the terminal event retention window as a duration
func (c *Config) BusRetentionAge() time.Duration {
	d, err := time.ParseDuration(c.Bus.RetentionAge)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
