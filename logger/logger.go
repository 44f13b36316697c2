// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Entries always go to stderr; an optional log file
// receives a compact copy of every entry and is trimmed to its newest
// lines so it never grows without bound.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/sandbot/config"
)

// DefaultFileLines is how many lines the log file keeps
const DefaultFileLines = 1000

// NewFromConfig creates the logger described by the logging section
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	return New(cfg.Logging.Mode, cfg.Logging.Level, cfg.Logging.File)
}

// New creates a new logger instance based on configuration. When file is
// set, entries are also written to it, keeping the newest DefaultFileLines.
func New(mode, level, file string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	// Set the log level
	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	if file == "" {
		return cfg.Build()
	}

	sink, err := OpenTailFile(file, DefaultFileLines)
	if err != nil {
		return nil, err
	}
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig()), sink, cfg.Level)

	return cfg.Build(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
}

// fileEncoderConfig renders "[15:04:05] INFO message {fields}"
func fileEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("[15:04:05]"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}
