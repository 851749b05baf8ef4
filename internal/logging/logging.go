// Package logging configures the process-wide slog loggers: a structured
// JSON logger for machine consumption, a human-readable text logger for the
// terminal, and rotating per-service file loggers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	structuredLogger    *slog.Logger
	humanReadableLogger *slog.Logger

	structuredLevel    = new(slog.LevelVar)
	humanReadableLevel = new(slog.LevelVar)
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

// Add trace and fatal level names.
var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// replaceLevelNames renames the custom levels in handler output.
func replaceLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level := a.Value.Any().(slog.Level)
		levelLabel, exists := levelNames[level]
		if !exists {
			levelLabel = level.String()
		}
		a.Value = slog.StringValue(levelLabel)
	}
	return a
}

// Init initializes the logging system with structured and human-readable loggers.
// JSON goes to stdout for machine consumption, text goes to stderr for the
// operator watching the terminal during a show.
func Init() {
	structuredLevel.Set(slog.LevelDebug)
	humanReadableLevel.Set(slog.LevelInfo)
	buildLoggers(os.Stdout, os.Stderr)
}

// SetLevel sets the minimum logging level for both loggers. Safe to call
// while loggers are in use.
func SetLevel(level slog.Level) {
	structuredLevel.Set(level)
	humanReadableLevel.Set(level)
}

// SetOutput redirects logger output, e.g., to a file or a test buffer.
func SetOutput(structuredOutput, humanReadableOutput io.Writer) {
	buildLoggers(structuredOutput, humanReadableOutput)
}

func buildLoggers(structuredOutput, humanReadableOutput io.Writer) {
	structuredLogger = slog.New(slog.NewJSONHandler(structuredOutput, &slog.HandlerOptions{
		Level:       structuredLevel,
		ReplaceAttr: replaceLevelNames,
	}))
	humanReadableLogger = slog.New(slog.NewTextHandler(humanReadableOutput, &slog.HandlerOptions{
		Level:       humanReadableLevel,
		ReplaceAttr: replaceLevelNames,
	}))
	slog.SetDefault(structuredLogger)
}

// Structured returns the globally configured structured (JSON) logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	return structuredLogger
}

// HumanReadable returns the globally configured human-readable (Text) logger.
// Returns nil if Init() has not been called.
func HumanReadable() *slog.Logger {
	return humanReadableLogger
}

// ForService creates a new logger instance with the 'service' attribute added.
// It uses the global structured logger as the base, falling back to the
// default slog logger when Init() has not been called.
func ForService(serviceName string) *slog.Logger {
	if structuredLogger == nil {
		return slog.Default().With("service", serviceName)
	}
	return structuredLogger.With("service", serviceName)
}

// --- Convenience functions using the default logger ---

// Debug logs a debug message using the default slog logger.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Info logs an info message using the default slog logger.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Warn logs a warning message using the default slog logger.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error logs an error message using the default slog logger.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// Fatal logs a fatal message using the custom Fatal level and then exits.
func Fatal(msg string, args ...any) {
	slog.Log(context.TODO(), LevelFatal, msg, args...)
	os.Exit(1)
}

// Trace logs a trace message using the custom Trace level.
func Trace(msg string, args ...any) {
	slog.Log(context.TODO(), LevelTrace, msg, args...)
}

// FileRotation carries rotation settings for file loggers. The conf package
// maps its rotation policy onto these values so this package stays free of a
// config dependency.
type FileRotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultFileRotation is used when the caller passes a zero FileRotation.
var DefaultFileRotation = FileRotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28}

// UseFile redirects the structured logger to a rotating file, keeping the
// human-readable logger on stderr. Returns a close function for the file.
func UseFile(filePath string, rot FileRotation) (func() error, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	if rot == (FileRotation{}) {
		rot = DefaultFileRotation
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   false,
	}

	SetOutput(logWriter, os.Stderr)
	return logWriter.Close, nil
}

// NewFileLogger creates a slog.Logger writing JSON to filePath with lumberjack
// rotation, tagged with the 'service' attribute. Returns the logger, a close
// function for the underlying writer, and an error if setup fails.
func NewFileLogger(filePath, serviceName string, level slog.Level, rot FileRotation) (*slog.Logger, func() error, error) {
	// lumberjack does not create directories
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	if rot == (FileRotation{}) {
		rot = DefaultFileRotation
	}

	logWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   false,
	}

	fileHandler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelNames,
	})

	logger := slog.New(fileHandler).With("service", serviceName)

	closeFunc := func() error {
		return logWriter.Close()
	}

	return logger, closeFunc, nil
}
