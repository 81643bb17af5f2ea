package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geoseg/internal/config"
	"geoseg/internal/unet"
)

// New returns a slog.Logger writing to w with the provided level string
// (info, debug, warn, error). format may be "json" or "text".
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures global logging to stdout and, when enabled, a dated file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("geoseg-%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		current := filepath.Join(cfg.Logging.LogDir, "geoseg-current.log")
		_ = os.Remove(current)
		_ = os.Symlink(filepath.Base(logFile), current)
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = New(io.MultiWriter(writers...), cfg.Logging.Level, "json")
	} else {
		logger = slog.New(NewTraditionalHandler(io.MultiWriter(writers...), parseLevel(cfg.Logging.Level)))
	}
	slog.SetDefault(logger)

	logger.Debug("geoseg logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] msg [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []string
	group  string
}

// NewTraditionalHandler writes timestamped lines to w.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := append(make([]string, 0, len(h.attrs)+r.NumAttrs()), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.format(a))
	}
	return &clone
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogJobStart logs the beginning of a processing job.
func LogJobStart(logger *slog.Logger, jobType, jobID, inputPath, outputPath string, options map[string]any) {
	logger.Info("job started",
		"type", jobType,
		"id", jobID,
		"input", inputPath,
		"output", outputPath,
		"options", options,
	)
}

// LogJobComplete logs successful job completion.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed successfully",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures. Rejected architectures are logged at WARN
// since they are caused by the request, not by geoseg.
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error, context map[string]any) {
	var verr *unet.ValidationError
	if errors.As(err, &verr) && !verr.Fatal() {
		logger.Warn("job rejected",
			"type", jobType,
			"id", jobID,
			"reason", verr.Reason.String(),
			"shape", verr.Shape,
			"error", err.Error(),
		)
		return
	}
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogValidationFailure logs an architecture that could not be built.
func LogValidationFailure(logger *slog.Logger, cfg unet.ArchitectureConfig, err error) {
	var verr *unet.ValidationError
	if !errors.As(err, &verr) {
		logger.Error("network build failed", "config", cfg.String(), "error", err)
		return
	}
	level := slog.LevelWarn
	if verr.Fatal() {
		level = slog.LevelError
	}
	logger.Log(context.Background(), level, "network rejected",
		"reason", verr.Reason.String(),
		"shape", verr.Shape,
		"variant", cfg.Variant,
		"detail", verr.Detail,
	)
}

// LogBuildSummary logs an assembled network.
func LogBuildSummary(logger *slog.Logger, s unet.Summary) {
	logger.Info("network built",
		"name", s.Name,
		"encoder", s.Encoder,
		"input", s.Input.String(),
		"output", s.Output.String(),
		"nodes", s.Nodes,
		"params", s.Params,
		"frozen", s.FrozenNodes,
		"digest", s.Digest[:12],
	)
}
