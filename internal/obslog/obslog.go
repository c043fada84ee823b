// Package obslog wires the process-default slog logger: one
// slog.SetDefault call at startup, picking JSON vs text output by
// terminal detection so piped/CI runs get machine-parseable logs and
// interactive runs get the readable text handler.
package obslog

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// Options controls the handler Setup installs.
type Options struct {
	Level  slog.Level
	Writer io.Writer // defaults to os.Stdout
}

// Setup installs the process-default slog logger and returns it. Output
// is a slog.TextHandler when Writer is a terminal, otherwise a
// slog.JSONHandler, mirroring how a shipped CLI should behave
// differently attached to a developer's terminal versus piped into a
// log collector.
func Setup(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ForRun returns a logger scoped to a single run, carrying run_id on
// every line so interleaved runs in one process stay attributable.
func ForRun(base *slog.Logger, runID string) *slog.Logger {
	return base.With("run_id", runID)
}
