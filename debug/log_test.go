package debug

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogEverySamples(t *testing.T) {
	Reset()
	var buf bytes.Buffer
	log := New(&buf, "debug")

	for i := 0; i < 10; i++ {
		LogEvery(log, 4, "marker sink failed")
	}
	lines := strings.Count(buf.String(), "marker sink failed")
	// first, 4th and 8th call
	if lines != 3 {
		t.Fatalf("logged %d times, want 3:\n%s", lines, buf.String())
	}
	if Count("marker sink failed") != 10 {
		t.Fatalf("count = %d", Count("marker sink failed"))
	}
}

func TestOpenCreatesSessionLog(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	log, f, err := Open(dir, "info", &console)
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hello")
	f.Close()

	matches, _ := filepath.Glob(filepath.Join(dir, "logs", "log_*.log"))
	if len(matches) != 1 {
		t.Fatalf("log files = %v", matches)
	}
	data, _ := os.ReadFile(matches[0])
	if !strings.Contains(string(data), "hello") || !strings.Contains(console.String(), "hello") {
		t.Fatalf("record missing: file=%q console=%q", data, console.String())
	}
}
