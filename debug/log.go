package debug

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	mu       sync.Mutex
	counters = make(map[string]int)
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
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

// New returns a text logger writing to w.
func New(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Open starts a session log at <dir>/logs/log_<timestamp>.log. If console is
// non-nil records are written there too. The returned file must be closed by
// the caller.
func Open(dir, level string, console io.Writer) (*slog.Logger, *os.File, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	name := "log_" + time.Now().Format("2006-01-02_15-04-05") + ".log"
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = f
	if console != nil {
		w = io.MultiWriter(f, console)
	}
	log := New(w, level)
	log.Info("session log started", "path", f.Name())
	return log, f, nil
}

// LogEvery logs msg at warn level on the first call and then only every n
// calls (use for high-frequency events like per-step failures).
func LogEvery(log *slog.Logger, n int, msg string, args ...any) {
	count, ok := Every(msg, n)
	if !ok {
		return
	}
	log.Warn(msg, append(args, "count", count)...)
}

// Every counts calls for key and reports whether this one should be logged.
func Every(key string, n int) (int, bool) {
	if n < 1 {
		n = 1
	}
	mu.Lock()
	counters[key]++
	count := counters[key]
	mu.Unlock()
	return count, count == 1 || count%n == 0
}

// Count returns how many times key has been seen by Every.
func Count(key string) int {
	mu.Lock()
	defer mu.Unlock()
	return counters[key]
}

// Reset clears the sampling counters.
func Reset() {
	mu.Lock()
	counters = make(map[string]int)
	mu.Unlock()
}

// Line formats a one-off console line the way the log file shows time.
func Line(category, format string, args ...any) string {
	ts := time.Now().Format("15:04:05.000")
	return fmt.Sprintf("[%s] %-10s %s", ts, category, fmt.Sprintf(format, args...))
}
