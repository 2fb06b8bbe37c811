package swcache

import (
	"io"
	"log/slog"
	"strings"

	"github.com/jmgilman/go/errors"
)

// NewLogger builds the process logger from logging.level and logging.format.
func NewLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "logging.level %q", cfg.Logging.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Logging.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, errors.Newf(errors.CodeInvalidConfig, "logging.format %q: want text or json", cfg.Logging.Format)
}
