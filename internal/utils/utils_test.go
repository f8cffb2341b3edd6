package utils

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigureDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	tests := []struct {
		level   string
		wantErr bool
	}{
		{"none", false},
		{"error", false},
		{"warn", false},
		{"INFO", false},
		{"debug", false},
		{"verbose", true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			f, err := ConfigureDefaultLogger(tt.level, "", slog.HandlerOptions{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errUnexpectedLogLevel) {
				t.Fatalf("err=%v, want errUnexpectedLogLevel", err)
			}
			if f != nil {
				t.Fatalf("stdout logging returned a file")
			}
		})
	}
}

func TestConfigureDefaultLogger_File(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	path := filepath.Join(t.TempDir(), "walkietalkie.log")
	f, err := ConfigureDefaultLogger("info", path, slog.HandlerOptions{})
	if err != nil {
		t.Fatalf("ConfigureDefaultLogger: %v", err)
	}
	if f == nil {
		t.Fatalf("no file returned")
	}
	slog.Info("hello", "key", "value")
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("log file missing JSON entry: %s", data)
	}
}

func TestPionLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pionLogger := NewPionLoggerFactory(logger).NewLogger("ice")
	pionLogger.Tracef("hidden %d", 1)
	pionLogger.Debugf("gathered %d candidates", 3)
	pionLogger.Warn("careful")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("trace logged above debug level: %s", out)
	}
	if !strings.Contains(out, "gathered 3 candidates") || !strings.Contains(out, "pionScope=ice") {
		t.Fatalf("missing debug entry: %s", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("missing warn entry: %s", out)
	}
}
