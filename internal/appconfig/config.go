// Package appconfig loads the synchronizer configuration from a TOML
// file with environment overrides. File discovery checks the user config
// directory then /etc; a missing file just means defaults.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Listen string `toml:"listen" json:"listen"`
	Port   int    `toml:"port" json:"port"`
}

type LakeConfig struct {
	URL                 string `toml:"url" json:"-"`
	StatementTimeoutSec int    `toml:"statement_timeout_sec" json:"statement_timeout_sec"`
}

type SyncConfig struct {
	ChunkSize         int `toml:"chunk_size" json:"chunk_size"`
	MaxWorkers        int `toml:"max_workers" json:"max_workers"`
	MaxTablesPerCycle int `toml:"max_tables_per_cycle" json:"max_tables_per_cycle"`
	CycleIntervalSec  int `toml:"cycle_interval_sec" json:"cycle_interval_sec"`
	MaxProcessingHrs  int `toml:"max_processing_hours" json:"max_processing_hours"`

	BatchPreparers int `toml:"batch_preparers" json:"batch_preparers"`
	BatchInserters int `toml:"batch_inserters" json:"batch_inserters"`
	MaxQueueSize   int `toml:"max_queue_size" json:"max_queue_size"`

	MaxIndividualRowRetries int `toml:"max_individual_row_retries" json:"max_individual_row_retries"`
	MaxBinaryErrorRetries   int `toml:"max_binary_error_retries" json:"max_binary_error_retries"`
}

type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"` // empty disables the rotating file sink
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Lake    LakeConfig    `toml:"lake"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1",
			Port:   7654,
		},
		Lake: LakeConfig{
			URL:                 "postgres://localhost:5432/lake?sslmode=disable",
			StatementTimeoutSec: 600,
		},
		Sync: SyncConfig{
			ChunkSize:               1000,
			MaxWorkers:              runtime.NumCPU(),
			MaxTablesPerCycle:       0, // unbounded
			CycleIntervalSec:        60,
			MaxProcessingHrs:        24,
			BatchPreparers:          4,
			BatchInserters:          4,
			MaxQueueSize:            10,
			MaxIndividualRowRetries: 10000,
			MaxBinaryErrorRetries:   10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// StatementTimeout returns the lake statement bound as a duration.
func (c Config) StatementTimeout() time.Duration {
	return time.Duration(c.Lake.StatementTimeoutSec) * time.Second
}

// CycleInterval returns the scheduler tick as a duration.
func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.Sync.CycleIntervalSec) * time.Second
}

// MaxProcessingTime returns the per-table liveness bound as a duration.
func (c Config) MaxProcessingTime() time.Duration {
	return time.Duration(c.Sync.MaxProcessingHrs) * time.Hour
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".lakesync", "config.toml"))
	}
	candidates = append(candidates, "/etc/lakesync/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LAKESYNC_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("LAKESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LAKESYNC_LAKE_URL"); v != "" {
		cfg.Lake.URL = v
	}
	if v := os.Getenv("LAKESYNC_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.MaxWorkers = n
		}
	}
	if v := os.Getenv("LAKESYNC_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.ChunkSize = n
		}
	}
	if v := os.Getenv("LAKESYNC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LAKESYNC_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LAKESYNC_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}
