package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBPath, envLogLevel, envWorkers, envIsolation, envWorkerBin,
		envGrouping, envHandshakeTimeout, envBatchTimeout, envStopGrace, envDebug, envConfig,
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.Isolation != "auto" {
		t.Errorf("Isolation = %q, want %q", cfg.Isolation, "auto")
	}
	if cfg.Workers != 0 {
		t.Errorf("Workers = %d, want 0", cfg.Workers)
	}
	if cfg.BatchTimeout != 5*time.Minute {
		t.Errorf("BatchTimeout = %v, want 5m", cfg.BatchTimeout)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 5s", cfg.HandshakeTimeout)
	}
	if cfg.StopGrace != 500*time.Millisecond {
		t.Errorf("StopGrace = %v, want 500ms", cfg.StopGrace)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envWorkers, "6")
	t.Setenv(envIsolation, "Process")
	t.Setenv(envWorkerBin, "/usr/local/bin/dataforge-worker")
	t.Setenv(envBatchTimeout, "90s")
	t.Setenv(envDebug, "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Workers != 6 {
		t.Errorf("Workers = %d, want 6", cfg.Workers)
	}
	if cfg.Isolation != "process" {
		t.Errorf("Isolation = %q, want %q", cfg.Isolation, "process")
	}
	if cfg.WorkerBin != "/usr/local/bin/dataforge-worker" {
		t.Errorf("WorkerBin = %q", cfg.WorkerBin)
	}
	if cfg.BatchTimeout != 90*time.Second {
		t.Errorf("BatchTimeout = %v, want 90s", cfg.BatchTimeout)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		env   string
		value string
	}{
		{envWorkers, "many"},
		{envBatchTimeout, "soon"},
		{envDebug, "perhaps"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load with %s=%q succeeded, want error", tt.env, tt.value)
			}
		})
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeFile(t, "dataforge.yaml", `
listen_addr: ":7000"
log_level: warn
pool:
  workers: 3
  isolation: goroutine
  grouping: round-robin
  handshake_timeout: 2s
  batch_timeout: 1m
  debug: true
`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default()
	if err := fc.Apply(&cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if cfg.ListenAddr != ":7000" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":7000")
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelWarn)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Workers)
	}
	if cfg.Isolation != "goroutine" {
		t.Errorf("Isolation = %q, want %q", cfg.Isolation, "goroutine")
	}
	if cfg.Grouping != "round-robin" {
		t.Errorf("Grouping = %q, want %q", cfg.Grouping, "round-robin")
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 2s", cfg.HandshakeTimeout)
	}
	if cfg.BatchTimeout != time.Minute {
		t.Errorf("BatchTimeout = %v, want 1m", cfg.BatchTimeout)
	}
	if cfg.StopGrace != defaultStopGrace {
		t.Errorf("StopGrace = %v, want default %v", cfg.StopGrace, defaultStopGrace)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
}

func TestLoadFileJSON(t *testing.T) {
	path := writeFile(t, "dataforge.json", `{"db_path": "/var/lib/df.db", "pool": {"workers": 2}}`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.DBPath != "/var/lib/df.db" {
		t.Errorf("DBPath = %q, want %q", fc.DBPath, "/var/lib/df.db")
	}
	if fc.Pool.Workers != 2 {
		t.Errorf("Workers = %d, want 2", fc.Pool.Workers)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile on missing file succeeded")
	}
	if _, err := LoadFile(writeFile(t, "config.toml", "workers = 2")); err == nil {
		t.Error("LoadFile on .toml succeeded")
	}
	if _, err := LoadFile(writeFile(t, "bad.yaml", "pool: [unclosed")); err == nil {
		t.Error("LoadFile on malformed YAML succeeded")
	}

	fc := &FileConfig{Pool: PoolConfig{StopGrace: "forever"}}
	cfg := Default()
	if err := fc.Apply(&cfg); err == nil {
		t.Error("Apply with invalid duration succeeded")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "dataforge.yml", "pool:\n  workers: 3\n  isolation: goroutine\n")
	t.Setenv(envConfig, path)
	t.Setenv(envWorkers, "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want env value 8", cfg.Workers)
	}
	if cfg.Isolation != "goroutine" {
		t.Errorf("Isolation = %q, want file value %q", cfg.Isolation, "goroutine")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
