package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/voxelgrid/internal/model"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "voxelgrid.db"
	defaultEvalTimeout     = 500 * time.Millisecond
	defaultLoadTimeout     = time.Second
	defaultGridConcurrency = 64
	defaultMaxGridSize     = 16

	envListenAddr       = "VOXELGRID_LISTEN_ADDR"
	envDBPath           = "VOXELGRID_DB_PATH"
	envLogLevel         = "VOXELGRID_LOG_LEVEL"
	envEvalTimeoutMS    = "VOXELGRID_EVAL_TIMEOUT_MS"
	envLoadTimeoutMS    = "VOXELGRID_LOAD_TIMEOUT_MS"
	envDefaultIsolation = "VOXELGRID_DEFAULT_ISOLATION"
	envGuestBin         = "VOXELGRID_GUEST_BIN"
	envGridConcurrency  = "VOXELGRID_GRID_CONCURRENCY"
	envMaxGridSize      = "VOXELGRID_MAX_GRID_SIZE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// EvalTimeout is the per-call deadline of functions that set none.
	EvalTimeout time.Duration
	// LoadTimeout bounds top-level user code while a host loads it.
	LoadTimeout time.Duration
	// DefaultIsolation is what "auto" resolves to.
	DefaultIsolation string
	// GuestBin enables the process backend when set.
	GuestBin string

	GridConcurrency int
	MaxGridSize     int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		EvalTimeout:      defaultEvalTimeout,
		LoadTimeout:      defaultLoadTimeout,
		DefaultIsolation: model.IsolationIsolate,
		GridConcurrency:  defaultGridConcurrency,
		MaxGridSize:      defaultMaxGridSize,
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
	if n, ok := positiveInt(envEvalTimeoutMS); ok {
		cfg.EvalTimeout = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt(envLoadTimeoutMS); ok {
		cfg.LoadTimeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv(envDefaultIsolation); v != "" {
		cfg.DefaultIsolation = parseIsolation(v)
	}
	if v := os.Getenv(envGuestBin); v != "" {
		cfg.GuestBin = v
	}
	if n, ok := positiveInt(envGridConcurrency); ok {
		cfg.GridConcurrency = n
	}
	if n, ok := positiveInt(envMaxGridSize); ok {
		cfg.MaxGridSize = n
	}

	return cfg
}

// positiveInt reads a positive integer from the environment. Invalid values
// are ignored so the default applies.
func positiveInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func parseIsolation(s string) string {
	switch strings.ToLower(s) {
	case model.IsolationProcess:
		return model.IsolationProcess
	case model.IsolationMicroVM:
		return model.IsolationMicroVM
	default:
		return model.IsolationIsolate
	}
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
