// Package logging provides structured logging for LMStrix components.
//
// # Architecture
//
// Logger wraps the standard library's log/slog with a small layered
// architecture suited to both interactive CLI use and unattended fleet
// runs:
//
//   - Default: stderr output as JSON records.
//   - Optional: a file sink under ~/.lmstrix/logs/, so a long fleet run
//     survives terminal loss.
//   - Enterprise: an optional LogExporter for shipping entries elsewhere.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("probe started", "model_id", id, "ctx_size", size)
//
// # File Logging
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, LogDir: "~/.lmstrix/logs"})
//	defer logger.Close()
//
// # Security Considerations
//
// This package does not redact anything automatically. Probe prompts and
// responses must never be logged above Debug — callers log counts and
// classifications, not bodies.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is the logger's severity, matching slog's four-level convention.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogExporter receives every record the Logger emits, in addition to
// stderr/file output. Implementations should buffer internally; Export is
// called synchronously on the logging goroutine.
type LogExporter interface {
	Export(entry map[string]any)
}

// Config configures a Logger. The zero value is a valid stderr-only
// configuration at Debug level (LevelDebug is the zero Level).
type Config struct {
	Level Level
	// LogDir, if set, enables a file sink at LogDir/lmstrix_YYYY-MM-DD.log.
	// A leading "~" is expanded to the user's home directory.
	LogDir   string
	Service  string
	Exporter LogExporter
}

// Logger is a structured logger safe for concurrent use. Internal state
// (the open log file, if any) is protected by a mutex; the underlying
// slog.Logger is thread-safe on its own.
type Logger struct {
	mu       sync.Mutex
	slogger  *slog.Logger
	file     *os.File
	exporter LogExporter
	level    Level
	fields   []any
}

var (
	defaultOnce   sync.Once
	defaultLogger *Logger
)

// Default returns the process-wide stderr logger, built once.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(Config{Level: LevelInfo})
	})
	return defaultLogger
}

// New builds a Logger per cfg. If cfg.LogDir is set and cannot be created,
// New falls back to stderr-only and logs a warning about the fallback
// rather than failing outright — a missing log directory must never stop
// a probe run.
func New(cfg Config) *Logger {
	writers := []io.Writer{os.Stderr}
	var file *os.File
	var fileErr error

	if cfg.LogDir != "" {
		dir := expandHome(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			service := cfg.Service
			if service == "" {
				service = "lmstrix"
			}
			name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				file = f
				writers = append(writers, f)
			} else {
				fileErr = err
			}
		} else {
			fileErr = err
		}
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: cfg.Level.slog()})
	l := &Logger{
		slogger:  slog.New(handler),
		file:     file,
		exporter: cfg.Exporter,
		level:    cfg.Level,
	}
	if fileErr != nil {
		l.Warn("log file sink unavailable, logging to stderr only", "log_dir", cfg.LogDir, "error", fileErr)
	}
	return l
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// With returns a derived Logger that always includes the given key/value
// pairs, matching slog.Logger.With.
func (l *Logger) With(args ...any) *Logger {
	fields := append(append([]any{}, l.fields...), args...)
	return &Logger{slogger: l.slogger.With(args...), file: l.file, exporter: l.exporter, level: l.level, fields: fields}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(context.Background(), slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(context.Background(), slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(context.Background(), slog.LevelError, msg, args...) }

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	l.slogger.Log(ctx, level, msg, args...)
	if l.exporter == nil {
		return
	}
	entry := map[string]any{"msg": msg, "level": level.String(), "time": time.Now().UTC()}
	kv := append(append([]any{}, l.fields...), args...)
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			entry[key] = kv[i+1]
		}
	}
	l.exporter.Export(entry)
}

// Slog returns the underlying *slog.Logger, for collaborators (gin, otel
// bridges) that want one directly.
func (l *Logger) Slog() *slog.Logger { return l.slogger }

// Close flushes and closes the file sink, if one was opened. Safe to call
// on a stderr-only Logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
