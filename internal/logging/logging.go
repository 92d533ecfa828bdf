// Package logging builds the zap loggers shared by the api, worker and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" default:"info"`
	// Format is json or console.
	Format string `mapstructure:"format" default:"json"`
	// File, when set, receives a copy of every entry with size based rotation.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" default:"100"`
	MaxBackups int    `mapstructure:"max_backups" default:"10"`
	MaxAgeDays int    `mapstructure:"max_age_days" default:"7"`
	Compress   bool   `mapstructure:"compress" default:"true"`
}

// New returns a logger writing to stdout and, when configured, a rotated file.
func New(cfg Config) (*zap.Logger, error) {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg Config, out io.Writer) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if name := strings.TrimSpace(cfg.Level); name != "" {
		parsed, err := zapcore.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	encoder, err := newEncoder(cfg.Format)
	if err != nil {
		return nil, err
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(out)}
	if path := strings.TrimSpace(cfg.File); path != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		return zapcore.NewJSONEncoder(ec), nil
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}
