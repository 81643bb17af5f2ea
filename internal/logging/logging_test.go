package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"geoseg/internal/config"
	"geoseg/internal/unet"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))
	logger.With("job", "j1").WithGroup("net").Info("built", "nodes", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "[INFO] built [job=j1 net.nodes=3]") {
		t.Fatalf("unexpected output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
}

func TestLogValidationFailureLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug))
	cfg := unet.ArchitectureConfig{Height: 256, Width: 250, Channels: 12, Classes: 7}
	_, err := unet.Build(cfg)
	LogValidationFailure(logger, cfg, err)
	if !strings.Contains(buf.String(), "[WARN] network rejected") || !strings.Contains(buf.String(), "reason=NonSquareInput") {
		t.Fatalf("unexpected output: %q", buf.String())
	}

	buf.Reset()
	LogValidationFailure(logger, cfg, &unet.ValidationError{Reason: unet.SkipResolutionMismatch})
	if !strings.Contains(buf.String(), "[ERROR] network rejected") {
		t.Fatalf("wiring failure should log at ERROR: %q", buf.String())
	}

	buf.Reset()
	LogJobError(logger, "build", "j2", 0, errors.New("disk full"), nil)
	if !strings.Contains(buf.String(), "[ERROR] job failed") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestLogBuildSummary(t *testing.T) {
	g, err := unet.Build(unet.ArchitectureConfig{Height: 64, Width: 64, Channels: 3, Classes: 2})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	LogBuildSummary(slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)), g.Summary())
	if !strings.Contains(buf.String(), "output=64x64x2") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = dir
	prev := slog.Default()
	defer slog.SetDefault(prev)

	logger, err := Setup(cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	logger.Info("hello file")

	data, err := os.ReadFile(filepath.Join(dir, "geoseg-current.log"))
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("log file missing line: %q", data)
	}
}
