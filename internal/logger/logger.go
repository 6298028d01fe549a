package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls the coordinator's own structured logging. Device
// script output never goes through here; it has its own store.
type Config struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format Format `toml:"format" mapstructure:"format"`
	Color  bool   `toml:"color" mapstructure:"color"`
	Source bool   `toml:"source" mapstructure:"source"`
}

func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatText, Color: true}
}

// NewSlogger builds a *slog.Logger from the config, writing to w
// (os.Stderr when nil).
func (c Config) NewSlogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level), AddSource: c.Source}

	var h slog.Handler
	switch {
	case c.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup installs the configured logger as the slog default.
func Setup(c Config) *slog.Logger {
	l := c.NewSlogger(nil)
	slog.SetDefault(l)
	return l
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
