// Package logger configures slog for the service and provides shared attributes.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Setup returns a logger for env writing to stderr.
func Setup(env string) (*slog.Logger, error) {
	return New(env, os.Stderr)
}

// New returns a logger for env writing to w.
func New(env string, w io.Writer) (*slog.Logger, error) {
	switch env {
	case EnvLocal:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC1123Z,
		})), nil
	case EnvDev:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})), nil
	case EnvProd:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
	default:
		return nil, fmt.Errorf("invalid environment: %q", env)
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

func Module(mod string) slog.Attr {
	return slog.String("mod", mod)
}

// Secret keeps the first five characters of value and masks the rest.
func Secret(key, value string) slog.Attr {
	r := "***"
	if len(value) > 5 {
		r = value[:5] + "***"
	}
	if value == "" {
		r = "?"
	}
	return slog.String(key, r)
}
