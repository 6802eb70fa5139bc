// Package logging wraps zap behind a small interface so the rest of the
// dispatcher logs through a context-aware helper instead of holding a
// *zap.Logger directly, and so tests can swap in a no-op.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
)

const TraceIDKey = "trace_id"

type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

type ZapLogger struct {
	*core.BaseComponent
	config *Config
	zap    *zap.Logger
}

func NewZapLogger(cfg *Config) *ZapLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ZapLogger{BaseComponent: core.NewBaseComponent(consts.CompLogging), config: cfg}
}

func (l *ZapLogger) Start(ctx context.Context) error {
	if err := l.BaseComponent.Start(ctx); err != nil {
		return err
	}
	encoder := l.buildEncoder()
	ws, err := l.buildWriteSyncer()
	if err != nil {
		return fmt.Errorf("build write syncer: %w", err)
	}
	core := zapcore.NewCore(encoder, ws, l.parseLevel(l.config.Level))
	l.zap = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	l.zap.Info("logging started", zap.String("level", l.config.Level), zap.String("output", l.config.Output))
	return nil
}

func (l *ZapLogger) Stop(ctx context.Context) error {
	if l.zap != nil {
		_ = l.zap.Sync()
	}
	return l.BaseComponent.Stop(ctx)
}

func (l *ZapLogger) buildEncoder() zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if l.config.Format == "console" {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func (l *ZapLogger) buildWriteSyncer() (zapcore.WriteSyncer, error) {
	switch strings.ToLower(l.config.Output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "file":
		return l.buildFileWriteSyncer()
	default:
		return zapcore.AddSync(os.Stdout), nil
	}
}

func (l *ZapLogger) buildFileWriteSyncer() (zapcore.WriteSyncer, error) {
	if l.config.FileConfig == nil {
		return nil, fmt.Errorf("file config required when output=file")
	}
	if err := os.MkdirAll(l.config.FileConfig.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	logFile := filepath.Join(l.config.FileConfig.Dir, l.config.FileConfig.Filename+".log")
	if l.config.Rotate != nil && l.config.Rotate.Enabled {
		lj := &lumberjack.Logger{
			Filename:  logFile,
			MaxSize:   100,
			MaxAge:    int(l.config.Rotate.MaxAge.Hours() / 24),
			Compress:  true,
			LocalTime: true,
		}
		return zapcore.AddSync(lj), nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}

func (l *ZapLogger) parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN", "WARNING":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields...)
}
func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields...)
}
func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields...)
}
func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...zap.Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields...)
}

func (l *ZapLogger) With(fields ...zap.Field) Logger {
	return &ZapLogger{BaseComponent: l.BaseComponent, config: l.config, zap: l.zap.With(fields...)}
}

func (l *ZapLogger) Sync() error {
	if l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *ZapLogger) log(ctx context.Context, level zapcore.Level, msg string, fields ...zap.Field) {
	if l.zap == nil {
		return
	}
	all := append([]zap.Field{zap.String(TraceIDKey, traceIDFrom(ctx))}, fields...)
	switch level {
	case zapcore.DebugLevel:
		l.zap.Debug(msg, all...)
	case zapcore.WarnLevel:
		l.zap.Warn(msg, all...)
	case zapcore.ErrorLevel:
		l.zap.Error(msg, all...)
	default:
		l.zap.Info(msg, all...)
	}
}

func traceIDFrom(ctx context.Context) string {
	if ctx == nil {
		return uuid.New().String()
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return uuid.New().String()
}
