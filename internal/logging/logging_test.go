package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerTeesToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "bot.log")
	logger, closeFn, err := newLogger("info", &console, path)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("order_filled", zap.String("figi", "BBG004730N88"))
	logger.Debug("hidden")
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for name, out := range map[string]string{"console": console.String(), "file": string(data)} {
		if !strings.Contains(out, `"msg":"order_filled"`) || !strings.Contains(out, `"figi":"BBG004730N88"`) {
			t.Fatalf("%s output = %q, want order_filled entry", name, out)
		}
		if !strings.Contains(out, `"level":"INFO"`) {
			t.Fatalf("%s output = %q, want capital level", name, out)
		}
		if strings.Contains(out, "hidden") {
			t.Fatalf("%s output contains debug entry", name)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel(""); err != nil || l != zapcore.InfoLevel {
		t.Fatalf("ParseLevel(\"\") = %v, %v", l, err)
	}
	if l, err := ParseLevel("warn"); err != nil || l != zapcore.WarnLevel {
		t.Fatalf("ParseLevel(warn) = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("ParseLevel(loud) error = nil, want error")
	}
}
