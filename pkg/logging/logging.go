package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format is "json" or "console"; an unknown
// level falls back to info.
func New(service, node, level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, service, node, level, format)
}

func NewWithWriter(w io.Writer, service, node, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", service)
	if node != "" {
		ctx = ctx.Str("node", node)
	}
	return ctx.Logger()
}
