package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"tripgate/internal/config"
)

func TestSetupProductionWritesJSON(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	cfg := config.Default()
	cfg.Service.Env = "production"
	var buf bytes.Buffer
	logger := SetupWriter(cfg, &buf)
	logger.Info("approval expired", "approval_id", "ap-1")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q", buf.String())
	}
	if rec["approval_id"] != "ap-1" {
		t.Fatalf("missing attribute: %v", rec)
	}
}

func TestSetupDevelopmentLevel(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	cfg := config.Default()
	cfg.Service.LogLevel = "warn"
	var buf bytes.Buffer
	logger := SetupWriter(cfg, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSetupKeepsStdoutClean(t *testing.T) {
	defer slog.SetDefault(slog.Default())
	stdout, stderr := os.Stdout, os.Stderr
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout, os.Stderr = outW, errW
	logger := Setup(config.Default())
	logger.Info("applied suggestion", "suggestion_id", "s-1")
	os.Stdout, os.Stderr = stdout, stderr
	outW.Close()
	errW.Close()

	gotOut, _ := io.ReadAll(outR)
	gotErr, _ := io.ReadAll(errR)
	if len(gotOut) != 0 {
		t.Fatalf("log leaked to stdout: %q", gotOut)
	}
	if !strings.Contains(string(gotErr), "applied suggestion") {
		t.Fatalf("expected log on stderr, got %q", gotErr)
	}
}
