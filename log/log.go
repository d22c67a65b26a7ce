// Package log is the process logger shared by every txcoord package, built on zap.
package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the logger configuration.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json or console
	OutputFile string `yaml:"output_file"` // stdout, stderr or a rotated file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type fieldsKey struct{}

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := New(Config{Level: "info", Format: "console", OutputFile: "stderr"})
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// New builds a zap logger from config without installing it.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(config)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(config.Format), ws, level)
	return zap.New(core, zap.AddCaller()).
		With(zap.String("service", "txcoord")), nil
}

// Init builds a logger from config and installs it as the process logger.
func Init(config Config) error {
	l, err := New(config)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger. A nil logger installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Logger returns the process logger.
func Logger() *zap.Logger {
	return logger.Load()
}

// Sync flushes buffered entries.
func Sync() error {
	return Logger().Sync()
}

func encoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func writeSyncer(config Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(config.OutputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(config.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", config.OutputFile, err)
	}
	_ = f.Close()
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.OutputFile,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	}), nil
}

// WithFields returns a context whose ctx-aware log calls carry fields.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	merged := make([]zap.Field, 0, len(prev)+len(fields))
	merged = append(merged, prev...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// With returns the process logger decorated with the fields stored in ctx.
func With(ctx context.Context) *zap.Logger {
	l := Logger()
	if ctx == nil {
		return l
	}
	if fields, ok := ctx.Value(fieldsKey{}).([]zap.Field); ok {
		return l.With(fields...)
	}
	return l
}

// skip makes the printf helpers below report their caller.
func skip(l *zap.Logger) *zap.Logger {
	return l.WithOptions(zap.AddCallerSkip(1))
}

func DebugContextf(ctx context.Context, format string, args ...interface{}) {
	skip(With(ctx)).Debug(fmt.Sprintf(format, args...))
}

func InfoContextf(ctx context.Context, format string, args ...interface{}) {
	skip(With(ctx)).Info(fmt.Sprintf(format, args...))
}

func WarnContextf(ctx context.Context, format string, args ...interface{}) {
	skip(With(ctx)).Warn(fmt.Sprintf(format, args...))
}

func ErrorContextf(ctx context.Context, format string, args ...interface{}) {
	skip(With(ctx)).Error(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...interface{}) {
	skip(Logger()).Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	skip(Logger()).Info(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	skip(Logger()).Error(fmt.Sprintf(format, args...))
}
