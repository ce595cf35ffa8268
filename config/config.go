package config

import (
	"log/slog"
	"os"
)

// Config carries everything the server reads from the environment.
type Config struct {
	Port          string
	LogLevel      slog.Level
	DatabaseURL   string
	AllowedOrigin string
}

// Load reads the environment. DatabaseURL empty means history recording
// is disabled; AllowedOrigin empty means any origin may connect.
func Load() Config {
	cfg := Config{
		Port:          os.Getenv("PORT"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AllowedOrigin: os.Getenv("ALLOWED_ORIGIN"),
		LogLevel:      slog.LevelInfo,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	}
	return cfg
}
