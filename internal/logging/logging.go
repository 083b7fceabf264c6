// Package logging builds the structured loggers used by the discountfn server
// and CLI.
//
// The server always logs JSON. The CLI can switch to slog's text handler so
// that per-line engine decisions stay readable on a terminal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// New creates a JSON [slog.Logger] on stderr at the given level.
// Accepted level strings (case-insensitive): "debug", "info", "warn", "error".
// An empty string defaults to "info".
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a JSON [slog.Logger] writing to w.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return NewWithFormat(level, FormatJSON, w)
}

// NewWithFormat creates a logger writing to w in the given format. Unknown
// formats fall back to JSON.
func NewWithFormat(level string, format Format, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if ParseFormat(string(format)) == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ForDiscount scopes log to one stored discount.
func ForDiscount(log *slog.Logger, shop, discountID string) *slog.Logger {
	return log.With(slog.String("shop", shop), slog.String("discount_id", discountID))
}

// ParseLevel converts a level string to a [slog.Level].
// Returns [slog.LevelInfo] for unrecognised values.
func ParseLevel(s string) slog.Level {
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

// ParseFormat converts a format string to a [Format], defaulting to JSON.
func ParseFormat(s string) Format {
	if strings.EqualFold(strings.TrimSpace(s), string(FormatText)) {
		return FormatText
	}
	return FormatJSON
}
