// Package logger builds the zap logger shared by every component.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Config represents a config.
type Config struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is json (default) or console.
	Format string     `mapstructure:"format" yaml:"format"`
	Stdout bool       `mapstructure:"stdout" yaml:"stdout"`
	File   FileConfig `mapstructure:"file" yaml:"file"`
}

// FileConfig represents a fileConfig.
type FileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	Name       string `mapstructure:"name" yaml:"name"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// New builds a logger writing to the configured sinks.
func New(cfg Config) (*zap.Logger, error) {
	sinks, err := buildSinks(cfg)
	if err != nil {
		return nil, err
	}
	return newWithSink(cfg, sinks), nil
}

func newWithSink(cfg Config, sink zapcore.WriteSyncer) *zap.Logger {
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, ParseLevel(cfg.Level))
	return zap.New(core, zap.AddCaller())
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

func buildSinks(cfg Config) (zapcore.WriteSyncer, error) {
	var sinks []zapcore.WriteSyncer

	if cfg.Stdout {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}

	if cfg.File.Enabled {
		fileWriter, err := newFileWriter(cfg.File)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, zapcore.AddSync(fileWriter))
	}

	if len(sinks) == 0 {
		sinks = append(sinks, zapcore.AddSync(os.Stdout))
	}

	return zapcore.NewMultiWriteSyncer(sinks...), nil
}

func newFileWriter(fileCfg FileConfig) (*lumberjack.Logger, error) {
	dir := strings.TrimSpace(fileCfg.Path)
	if dir == "" {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}

	filename := strings.TrimSpace(fileCfg.Name)
	if filename == "" {
		filename = "concierge.log"
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    positiveOr(fileCfg.MaxSizeMB, 100),
		MaxBackups: max(fileCfg.MaxBackups, 0),
		MaxAge:     max(fileCfg.MaxAgeDays, 0),
		Compress:   fileCfg.Compress,
		LocalTime:  true,
	}, nil
}

// ParseLevel maps a config level name to a zap level. Unknown names are info.
func ParseLevel(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func positiveOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Elapsed is a helper for latency fields.
func Elapsed(start time.Time) zap.Field {
	return zap.Duration("latency", time.Since(start))
}
