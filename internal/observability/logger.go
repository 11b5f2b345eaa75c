package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/couchcryptid/mrms-compare/internal/config"
)

// NewLogger builds the process-wide logger from LOG_LEVEL and LOG_FORMAT.
// Unknown levels fall back to info, unknown formats to text.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
