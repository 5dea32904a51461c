package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "dataforge.db"
	defaultIsolation        = "auto"
	defaultWorkerBin        = "dataforge-worker"
	defaultGrouping         = "adaptive"
	defaultHandshakeTimeout = 5 * time.Second
	defaultBatchTimeout     = 5 * time.Minute
	defaultStopGrace        = 500 * time.Millisecond

	envListenAddr       = "DATAFORGE_LISTEN_ADDR"
	envDBPath           = "DATAFORGE_DB_PATH"
	envLogLevel         = "DATAFORGE_LOG_LEVEL"
	envWorkers          = "DATAFORGE_WORKERS"
	envIsolation        = "DATAFORGE_ISOLATION"
	envWorkerBin        = "DATAFORGE_WORKER_BIN"
	envGrouping         = "DATAFORGE_GROUPING"
	envHandshakeTimeout = "DATAFORGE_HANDSHAKE_TIMEOUT"
	envBatchTimeout     = "DATAFORGE_BATCH_TIMEOUT"
	envStopGrace        = "DATAFORGE_STOP_GRACE"
	envDebug            = "DATAFORGE_DEBUG"
	envConfig           = "DATAFORGE_CONFIG"
)

// Config holds application configuration. Values come from defaults, then
// an optional config file, then environment variables.
type Config struct {
	ListenAddr       string
	DBPath           string
	LogLevel         slog.Level
	Workers          int
	Isolation        string
	WorkerBin        string
	Grouping         string
	HandshakeTimeout time.Duration
	BatchTimeout     time.Duration
	StopGrace        time.Duration
	Debug            bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		Isolation:        defaultIsolation,
		WorkerBin:        defaultWorkerBin,
		Grouping:         defaultGrouping,
		HandshakeTimeout: defaultHandshakeTimeout,
		BatchTimeout:     defaultBatchTimeout,
		StopGrace:        defaultStopGrace,
	}
}

// Load builds the configuration. If DATAFORGE_CONFIG names a file it is
// applied over the defaults, and environment variables are applied last.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfig); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := fc.Apply(&cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envWorkers, err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv(envIsolation); v != "" {
		cfg.Isolation = strings.ToLower(v)
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envGrouping); v != "" {
		cfg.Grouping = v
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{envHandshakeTimeout, &cfg.HandshakeTimeout},
		{envBatchTimeout, &cfg.BatchTimeout},
		{envStopGrace, &cfg.StopGrace},
	} {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}
	if v := os.Getenv(envDebug); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envDebug, err)
		}
		cfg.Debug = b
	}
	return nil
}

// FileConfig is the on-disk configuration format. Durations are strings
// accepted by time.ParseDuration.
type FileConfig struct {
	ListenAddr string     `yaml:"listen_addr" json:"listen_addr"`
	DBPath     string     `yaml:"db_path" json:"db_path"`
	LogLevel   string     `yaml:"log_level" json:"log_level"`
	Pool       PoolConfig `yaml:"pool" json:"pool"`
}

// PoolConfig is the pool section of a config file.
type PoolConfig struct {
	Workers          int    `yaml:"workers" json:"workers"`
	Isolation        string `yaml:"isolation" json:"isolation"`
	WorkerBin        string `yaml:"worker_bin" json:"worker_bin"`
	Grouping         string `yaml:"grouping" json:"grouping"`
	HandshakeTimeout string `yaml:"handshake_timeout" json:"handshake_timeout"`
	BatchTimeout     string `yaml:"batch_timeout" json:"batch_timeout"`
	StopGrace        string `yaml:"stop_grace" json:"stop_grace"`
	Debug            bool   `yaml:"debug" json:"debug"`
}

// LoadFile reads a YAML or JSON config file, chosen by extension.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return &fc, nil
}

// Apply overlays the values set in f onto cfg.
func (f *FileConfig) Apply(cfg *Config) error {
	if f.ListenAddr != "" {
		cfg.ListenAddr = f.ListenAddr
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(f.LogLevel)
	}

	p := f.Pool
	if p.Workers > 0 {
		cfg.Workers = p.Workers
	}
	if p.Isolation != "" {
		cfg.Isolation = strings.ToLower(p.Isolation)
	}
	if p.WorkerBin != "" {
		cfg.WorkerBin = p.WorkerBin
	}
	if p.Grouping != "" {
		cfg.Grouping = p.Grouping
	}
	for _, d := range []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"handshake_timeout", p.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"batch_timeout", p.BatchTimeout, &cfg.BatchTimeout},
		{"stop_grace", p.StopGrace, &cfg.StopGrace},
	} {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	if p.Debug {
		cfg.Debug = true
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
