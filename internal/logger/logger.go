// Package logger wraps zerolog with file rotation and a component
// convention shared by every fleetcore subsystem.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog with rotation support.
type Logger struct {
	logger zerolog.Logger
	writer io.Writer
}

// Config holds logger configuration.
type Config struct {
	Path       string
	Level      string
	Format     string // json or console
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Init initializes the global logger.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		globalLogger, err = New(cfg)
	})
	return err
}

// New creates a new logger instance.
func New(cfg Config) (*Logger, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.Path != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var zlog zerolog.Logger
	if cfg.Format == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		zlog = zerolog.New(writer).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zlog = zlog.Level(level)

	return &Logger{logger: zlog, writer: writer}, nil
}

// Get returns the global logger, falling back to stdout.
func Get() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{
			logger: zerolog.New(os.Stdout).With().Timestamp().Logger(),
			writer: os.Stdout,
		}
	}
	return globalLogger
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
		writer: l.writer,
	}
}

// WithDevice returns a child logger tagged with a device id.
func (l *Logger) WithDevice(deviceID int64) *Logger {
	return &Logger{
		logger: l.logger.With().Int64("device_id", deviceID).Logger(),
		writer: l.writer,
	}
}

// Zerolog exposes the underlying zerolog.Logger for components that
// build their own event chains.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Debug logs a debug message with key/value fields.
func (l *Logger) Debug(msg string, fields ...interface{}) {
	event := l.logger.Debug()
	addFields(event, fields...)
	event.Msg(msg)
}

// Info logs an info message with key/value fields.
func (l *Logger) Info(msg string, fields ...interface{}) {
	event := l.logger.Info()
	addFields(event, fields...)
	event.Msg(msg)
}

// Warn logs a warning message with key/value fields.
func (l *Logger) Warn(msg string, fields ...interface{}) {
	event := l.logger.Warn()
	addFields(event, fields...)
	event.Msg(msg)
}

// Error logs an error message with key/value fields.
func (l *Logger) Error(msg string, err error, fields ...interface{}) {
	event := l.logger.Error().Err(err)
	addFields(event, fields...)
	event.Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(msg string, err error, fields ...interface{}) {
	event := l.logger.Fatal().Err(err)
	addFields(event, fields...)
	event.Msg(msg)
}

func addFields(event *zerolog.Event, fields ...interface{}) {
	if len(fields)%2 != 0 {
		event.Interface("invalid_fields", fields)
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		event.Interface(key, fields[i+1])
	}
}

// Global convenience functions.

func Debug(msg string, fields ...interface{}) { Get().Debug(msg, fields...) }
func Info(msg string, fields ...interface{})  { Get().Info(msg, fields...) }
func Warn(msg string, fields ...interface{})  { Get().Warn(msg, fields...) }

func Error(msg string, err error, fields ...interface{}) { Get().Error(msg, err, fields...) }
func Fatal(msg string, err error, fields ...interface{}) { Get().Fatal(msg, err, fields...) }
