package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr   = ":8080"
	defaultDBPath       = "turbit.db"
	defaultPower        = 70.0
	defaultSpawnTimeout = 10 * time.Second

	envListenAddr   = "TURBIT_LISTEN_ADDR"
	envDBPath       = "TURBIT_DB_PATH"
	envLogLevel     = "TURBIT_LOG_LEVEL"
	envDefaultPower = "TURBIT_DEFAULT_POWER"
	envSpawnTimeout = "TURBIT_SPAWN_TIMEOUT"
	envCores        = "TURBIT_CORES"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string
	DBPath       string
	LogLevel     slog.Level
	DefaultPower float64
	SpawnTimeout time.Duration
	// Cores overrides the detected logical core count when positive.
	Cores int
}

// Load reads configuration from the environment. Unset or malformed numeric
// values keep their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:   defaultListenAddr,
		DBPath:       defaultDBPath,
		LogLevel:     slog.LevelInfo,
		DefaultPower: defaultPower,
		SpawnTimeout: defaultSpawnTimeout,
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
	cfg.DefaultPower = envFloat(envDefaultPower, cfg.DefaultPower)
	cfg.SpawnTimeout = envDuration(envSpawnTimeout, cfg.SpawnTimeout)
	cfg.Cores = envInt(envCores, 0)

	return cfg
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
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
