// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Config controls logger construction.
type Config struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "console", "json" or "auto" (console on a terminal).
	Format string `yaml:"format"`
}

// DefaultConfig returns info-level auto-format logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "auto"}
}

// New builds a logger writing to w.
func New(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), etlerrors.Wrap(err, etlerrors.CodeConfiguration, "invalid log level").
				WithContext("level", cfg.Level)
		}
		level = l
	}

	out := w
	switch strings.ToLower(cfg.Format) {
	case "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "", "auto":
		if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
	default:
		return zerolog.Nop(), etlerrors.New(etlerrors.CodeConfiguration, "invalid log format").
			WithContext("format", cfg.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// ForAction returns a child logger tagged with an action name and run id.
func ForAction(logger zerolog.Logger, action, runID string) zerolog.Logger {
	return logger.With().Str("action", action).Str("run_id", runID).Logger()
}
