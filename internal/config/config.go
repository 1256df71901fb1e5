package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":8080"
	defaultDBPath             = "anvil.db"
	defaultWorkflowTimeout    = 3 * time.Hour
	defaultStepTimeout        = 3 * time.Hour
	defaultReviewTimeout      = 24 * time.Hour
	defaultMaxStepRepetitions = 100
	defaultQueueBackend       = QueueMemory
	defaultRedisAddr          = "localhost:6379"
	defaultQueueConcurrency   = 4
	defaultWorkflowDir        = "workflows"
	defaultOutputDir          = "output"

	envListenAddr         = "ANVIL_LISTEN_ADDR"
	envDBPath             = "ANVIL_DB_PATH"
	envLogLevel           = "ANVIL_LOG_LEVEL"
	envWorkflowTimeout    = "ANVIL_WORKFLOW_TIMEOUT"
	envStepTimeout        = "ANVIL_STEP_TIMEOUT"
	envActionTimeouts     = "ANVIL_ACTION_TIMEOUTS"
	envReviewTimeout      = "ANVIL_REVIEW_TIMEOUT"
	envMaxStepRepetitions = "ANVIL_MAX_STEP_REPETITIONS"
	envQueueBackend       = "ANVIL_QUEUE_BACKEND"
	envRedisAddr          = "ANVIL_REDIS_ADDR"
	envQueueConcurrency   = "ANVIL_QUEUE_CONCURRENCY"
	envQueueRate          = "ANVIL_QUEUE_RATE"
	envWorkflowDir        = "ANVIL_WORKFLOW_DIR"
	envOutputDir          = "ANVIL_OUTPUT_DIR"
	envNotifyWebhook      = "ANVIL_NOTIFY_WEBHOOK"
	envRecoverRuns        = "ANVIL_RECOVER_RUNS"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkflowTimeout is the global default for a whole run and for any
	// step whose action type has no default of its own.
	WorkflowTimeout    time.Duration
	StepTimeout        time.Duration
	ActionTimeouts     map[string]time.Duration
	ReviewTimeout      time.Duration
	MaxStepRepetitions int

	QueueBackend     string
	RedisAddr        string
	QueueConcurrency int
	QueueRate        float64

	// RecoverRuns requeues runs left pending or running by a previous
	// process at startup. Disable it when several processes share a store.
	RecoverRuns bool

	WorkflowDir   string
	OutputDir     string
	NotifyWebhook string

	// Warnings lists values that failed to parse and fell back to defaults.
	Warnings []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		WorkflowTimeout:    defaultWorkflowTimeout,
		StepTimeout:        defaultStepTimeout,
		ActionTimeouts:     map[string]time.Duration{},
		ReviewTimeout:      defaultReviewTimeout,
		MaxStepRepetitions: defaultMaxStepRepetitions,
		QueueBackend:       defaultQueueBackend,
		RedisAddr:          defaultRedisAddr,
		QueueConcurrency:   defaultQueueConcurrency,
		WorkflowDir:        defaultWorkflowDir,
		OutputDir:          defaultOutputDir,
		RecoverRuns:        true,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	cfg.WorkflowTimeout = cfg.duration(envWorkflowTimeout, cfg.WorkflowTimeout)
	cfg.StepTimeout = cfg.duration(envStepTimeout, cfg.StepTimeout)
	cfg.ReviewTimeout = cfg.duration(envReviewTimeout, cfg.ReviewTimeout)
	if v := os.Getenv(envActionTimeouts); v != "" {
		timeouts, err := parseActionTimeouts(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s: %v", envActionTimeouts, err))
		}
		cfg.ActionTimeouts = timeouts
	}
	cfg.MaxStepRepetitions = cfg.positiveInt(envMaxStepRepetitions, cfg.MaxStepRepetitions)

	if v := os.Getenv(envQueueBackend); v != "" {
		switch strings.ToLower(v) {
		case QueueMemory, QueueRedis:
			cfg.QueueBackend = strings.ToLower(v)
		default:
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s: unknown backend %q", envQueueBackend, v))
		}
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		cfg.RedisAddr = v
	}
	cfg.QueueConcurrency = cfg.positiveInt(envQueueConcurrency, cfg.QueueConcurrency)
	if v := os.Getenv(envQueueRate); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s: invalid rate %q", envQueueRate, v))
		} else {
			cfg.QueueRate = rate
		}
	}

	if v := os.Getenv(envWorkflowDir); v != "" {
		cfg.WorkflowDir = v
	}
	if v := os.Getenv(envOutputDir); v != "" {
		cfg.OutputDir = v
	}
	cfg.NotifyWebhook = os.Getenv(envNotifyWebhook)
	if v := os.Getenv(envRecoverRuns); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("%s: invalid value %q", envRecoverRuns, v))
		} else {
			cfg.RecoverRuns = enabled
		}
	}

	return cfg
}

func (c *Config) duration(env string, def time.Duration) time.Duration {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: invalid duration %q", env, v))
		return def
	}
	return d
}

func (c *Config) positiveInt(env string, def int) int {
	v := os.Getenv(env)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s: invalid value %q", env, v))
		return def
	}
	return n
}

// parseActionTimeouts parses "type=duration,type=duration". Valid entries
// are kept even when others fail.
func parseActionTimeouts(s string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration)
	var bad []string
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			bad = append(bad, pair)
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			bad = append(bad, pair)
			continue
		}
		out[strings.TrimSpace(name)] = d
	}
	if len(bad) > 0 {
		return out, fmt.Errorf("invalid entries %s", strings.Join(bad, ", "))
	}
	return out, nil
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
