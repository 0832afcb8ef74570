// Package logging builds the slog loggers used across screenrec. Debug output
// is enabled with SCREENREC_DEBUG=1 and can be redirected to a file with
// SCREENREC_DEBUG_FILE.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	outputOnce sync.Once
	output     io.Writer = os.Stderr
)

// DebugEnabled reports whether SCREENREC_DEBUG=1 is set.
func DebugEnabled() bool {
	return strings.TrimSpace(os.Getenv("SCREENREC_DEBUG")) == "1"
}

func debugOutput() io.Writer {
	outputOnce.Do(func() {
		p := strings.TrimSpace(os.Getenv("SCREENREC_DEBUG_FILE"))
		if p == "" {
			return
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "screenrec debug log open failed: %v\n", err)
			return
		}
		output = f
	})
	return output
}

// New returns a text logger writing to stderr (or the debug file) at Info,
// or Debug when SCREENREC_DEBUG=1.
func New() *slog.Logger {
	level := slog.LevelInfo
	if DebugEnabled() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(debugOutput(), &slog.HandlerOptions{Level: level}))
}

// Component returns log (or slog.Default when nil) tagged with a component
// name.
func Component(log *slog.Logger, name string) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	return log.With("component", name)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Every reports whether at least period has passed since the last time it
// returned true for the same last marker. Used to rate limit hot-path logs.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
