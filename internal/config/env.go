package config

import (
	"log/slog"
	"os"
	"strings"
)

// Env holds the process settings read from environment variables.
type Env struct {
	LogLevel slog.Level
	// LogFile, when set, receives a JSON copy of every log line.
	LogFile string

	MetricsBackend string
	MetricsTags    string

	AnthropicAPIKey string
	AdvisorModel    string
}

// LoadEnv reads LOG_LEVEL, LOG_FILE, METRICS_BACKEND, METRICS_TAGS,
// ANTHROPIC_API_KEY and ADVISOR_MODEL.
func LoadEnv() Env {
	return Env{
		LogLevel:        parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
		LogFile:         getEnv("LOG_FILE", ""),
		MetricsBackend:  strings.ToLower(getEnv("METRICS_BACKEND", "none")),
		MetricsTags:     getEnv("METRICS_TAGS", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AdvisorModel:    getEnv("ADVISOR_MODEL", ""),
	}
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
