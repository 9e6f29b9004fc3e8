package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"plexalign/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("plate", "P1")

	logger.Debug("hidden")
	logger.Warn("missing shift record", "site", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] missing shift record [plate=P1 site=3]") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = t.TempDir()

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	logger.Info("hello")

	name := filepath.Join(cfg.Logging.LogDir, "plexalign-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] hello") {
		t.Fatalf("log file missing entry: %q", data)
	}
}
