package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

var allEnv = []string{
	envListenAddr, envDBPath, envLogLevel, envWorkflowTimeout, envStepTimeout,
	envActionTimeouts, envReviewTimeout, envMaxStepRepetitions, envQueueBackend,
	envRedisAddr, envQueueConcurrency, envQueueRate, envWorkflowDir, envOutputDir,
	envNotifyWebhook, envRecoverRuns,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.WorkflowTimeout != 3*time.Hour {
		t.Errorf("WorkflowTimeout = %v, want 3h", cfg.WorkflowTimeout)
	}
	if cfg.StepTimeout != 3*time.Hour {
		t.Errorf("StepTimeout = %v, want 3h", cfg.StepTimeout)
	}
	if cfg.ReviewTimeout != 24*time.Hour {
		t.Errorf("ReviewTimeout = %v, want 24h", cfg.ReviewTimeout)
	}
	if cfg.MaxStepRepetitions != defaultMaxStepRepetitions {
		t.Errorf("MaxStepRepetitions = %d, want %d", cfg.MaxStepRepetitions, defaultMaxStepRepetitions)
	}
	if cfg.QueueBackend != QueueMemory {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, QueueMemory)
	}
	if cfg.QueueConcurrency != defaultQueueConcurrency {
		t.Errorf("QueueConcurrency = %d, want %d", cfg.QueueConcurrency, defaultQueueConcurrency)
	}
	if !cfg.RecoverRuns {
		t.Error("RecoverRuns = false, want true")
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", cfg.Warnings)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
}

func TestLoadEngineAndQueueSettings(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWorkflowTimeout, "90m")
	t.Setenv(envStepTimeout, "30s")
	t.Setenv(envActionTimeouts, "scrape=5m, embed=45s")
	t.Setenv(envMaxStepRepetitions, "7")
	t.Setenv(envQueueBackend, "REDIS")
	t.Setenv(envRedisAddr, "redis:6380")
	t.Setenv(envQueueConcurrency, "8")
	t.Setenv(envQueueRate, "2.5")
	t.Setenv(envNotifyWebhook, "http://hooks.local/anvil")
	t.Setenv(envRecoverRuns, "false")

	cfg := Load()

	if cfg.WorkflowTimeout != 90*time.Minute {
		t.Errorf("WorkflowTimeout = %v, want 90m", cfg.WorkflowTimeout)
	}
	if cfg.StepTimeout != 30*time.Second {
		t.Errorf("StepTimeout = %v, want 30s", cfg.StepTimeout)
	}
	if cfg.ActionTimeouts["scrape"] != 5*time.Minute || cfg.ActionTimeouts["embed"] != 45*time.Second {
		t.Errorf("ActionTimeouts = %v", cfg.ActionTimeouts)
	}
	if cfg.MaxStepRepetitions != 7 {
		t.Errorf("MaxStepRepetitions = %d, want 7", cfg.MaxStepRepetitions)
	}
	if cfg.QueueBackend != QueueRedis || cfg.RedisAddr != "redis:6380" {
		t.Errorf("queue = %q at %q", cfg.QueueBackend, cfg.RedisAddr)
	}
	if cfg.QueueConcurrency != 8 || cfg.QueueRate != 2.5 {
		t.Errorf("QueueConcurrency = %d, QueueRate = %v", cfg.QueueConcurrency, cfg.QueueRate)
	}
	if cfg.NotifyWebhook != "http://hooks.local/anvil" {
		t.Errorf("NotifyWebhook = %q", cfg.NotifyWebhook)
	}
	if cfg.RecoverRuns {
		t.Error("RecoverRuns = true, want false")
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("Warnings = %v, want none", cfg.Warnings)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(envWorkflowTimeout, "-1h")
	t.Setenv(envStepTimeout, "soon")
	t.Setenv(envActionTimeouts, "scrape=5m,broken,embed=0s")
	t.Setenv(envQueueConcurrency, "0")
	t.Setenv(envQueueBackend, "kafka")
	t.Setenv(envRecoverRuns, "sometimes")

	cfg := Load()

	if cfg.WorkflowTimeout != defaultWorkflowTimeout {
		t.Errorf("WorkflowTimeout = %v, want default", cfg.WorkflowTimeout)
	}
	if cfg.StepTimeout != defaultStepTimeout {
		t.Errorf("StepTimeout = %v, want default", cfg.StepTimeout)
	}
	if len(cfg.ActionTimeouts) != 1 || cfg.ActionTimeouts["scrape"] != 5*time.Minute {
		t.Errorf("ActionTimeouts = %v, want only scrape", cfg.ActionTimeouts)
	}
	if cfg.QueueConcurrency != defaultQueueConcurrency {
		t.Errorf("QueueConcurrency = %d, want default", cfg.QueueConcurrency)
	}
	if cfg.QueueBackend != QueueMemory {
		t.Errorf("QueueBackend = %q, want memory", cfg.QueueBackend)
	}
	if !cfg.RecoverRuns {
		t.Error("RecoverRuns = false, want the default")
	}
	if len(cfg.Warnings) != 6 {
		t.Errorf("Warnings = %v, want 6 entries", cfg.Warnings)
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
