// Package logging wires the process-wide slog logger: human-readable text on the
// terminal and JSON lines in the session's debug.log, both behind one level switch.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// DebugFile is the JSON log's name inside the session directory.
const DebugFile = "debug.log"

var level = new(slog.LevelVar)

// SetLevel changes the level of every handler installed by Setup.
func SetLevel(l slog.Level) { level.Set(l) }

// Setup installs a fan-out logger as the slog default and routes the standard log
// package through it. terminal receives text records at the configured level; when
// sessionDir is non-empty a JSON handler appends every debug-and-above record to
// sessionDir/debug.log. The returned func closes the file.
//
// Expectations:
//   - Text records reach terminal at or above the configured level
//   - debug.log receives JSON records at debug level regardless of the terminal level
//   - An empty sessionDir installs the terminal handler only
//   - Returns an error when debug.log cannot be opened
func Setup(terminal io.Writer, sessionDir string, l slog.Level) (func() error, error) {
	level.Set(l)
	handlers := []slog.Handler{
		slog.NewTextHandler(terminal, &slog.HandlerOptions{Level: level}),
	}
	closer := func() error { return nil }

	if sessionDir != "" {
		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create session dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(sessionDir, DebugFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open debug log: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = f.Close
	}

	logger := slog.New(slogmulti.Fanout(handlers...))
	slog.SetDefault(logger)
	log.SetFlags(0)
	return closer, nil
}
