package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"

	"github.com/dantte-lp/lowpannd/internal/config"
)

// prettyTimeFormat is the timestamp layout of the "pretty" console format.
const prettyTimeFormat = "15:04:05.000"

// newLogger creates a structured logger writing to console and, when
// cfg.File is set, duplicating every record as text to that file. All
// handlers share level for dynamic log level changes via SIGHUP reload.
//
// prefix tags every "pretty" console line, typically with the node EUI-64.
// The returned closer releases the log file and is nil without one.
func newLogger(cfg config.LogConfig, prefix string, level *slog.LevelVar, console io.Writer) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(console, opts)
	case "pretty":
		handler = tint.NewHandler(console, &tint.Options{
			Level:        level,
			TimeFormat:   prettyTimeFormat,
			CustomPrefix: prefix,
		})
	default:
		handler = slog.NewJSONHandler(console, opts)
	}

	if cfg.File == "" {
		return slog.New(handler), nil, nil
	}

	f, err := openLogFile(cfg.File)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slogmulti.Fanout(
		handler,
		slog.NewTextHandler(f, opts),
	))
	return logger, f, nil
}

// openLogFile opens path for appending, creating its directory as needed.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}
