// Package logger builds the zap logger shared by the server, the cleanup job
// and the CLI commands.
package logger

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format is the encoding used for log lines.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Config controls level, encoding and the optional rotated log file.
type Config struct {
	Level  string
	Format Format
	// File is the path of the rotated log file. Empty disables file output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// FromEnv reads SHARENEST_LOG_LEVEL, SHARENEST_LOG_FORMAT and SHARENEST_LOG_FILE.
// SHARENEST_LOG_FILE distinguishes "unset" (default file) from "set to empty"
// (stdout only).
func FromEnv() Config {
	cfg := Config{
		Level:      os.Getenv("SHARENEST_LOG_LEVEL"),
		Format:     Format(strings.ToLower(os.Getenv("SHARENEST_LOG_FORMAT"))),
		File:       filepath.Join("logs", "app.log"),
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
	if v, ok := os.LookupEnv("SHARENEST_LOG_FILE"); ok {
		cfg.File = strings.TrimSpace(v)
	}
	return cfg
}

// New creates a logger writing to stdout and, when configured, to a
// lumberjack-rotated file. Both sinks share the same level.
func New(cfg Config) (*zap.Logger, error) {
	level := parseLevel(cfg.Level)

	var enc zapcore.Encoder
	switch cfg.Format {
	case FormatConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.TimeKey = "time"
		enc = zapcore.NewJSONEncoder(ec)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		fileSink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
		// The file always gets JSON so it stays machine-readable.
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, fileSink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
