package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the default logger from LOG_LEVEL, LOG_FORMAT and
// LOG_SOURCE, defaulting to JSON at INFO in production and text at DEBUG
// elsewhere.
func Setup() *slog.Logger {
	logger := New(os.Stdout)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w with the environment-derived options.
func New(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     logLevel(),
		AddSource: os.Getenv("LOG_SOURCE") == "true",
	}

	switch logFormat() {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "pretty":
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		}
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func logLevel() slog.Level {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		if isProduction() {
			return slog.LevelInfo
		}
		return slog.LevelDebug
	}

	switch strings.ToUpper(level) {
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

func logFormat() string {
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		return strings.ToLower(format)
	}
	if isProduction() {
		return "json"
	}
	return "pretty"
}

// EnvironmentName returns the detected runtime environment.
func EnvironmentName() string {
	for _, key := range []string{"ENV", "GO_ENV", "APP_ENV"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "kubernetes"
	}
	return "development"
}

func isProduction() bool {
	env := strings.ToLower(EnvironmentName())
	return strings.HasPrefix(env, "prod") || env == "kubernetes"
}
