package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger defines a simple interface for logging.
// This allows for easy replacement with a more sophisticated logger if needed.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Fatalf(format string, v ...interface{})
}

// LogLevel defines the verbosity of the logger.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// zapLogger adapts a zap SugaredLogger to the Logger interface.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewDefaultLogger creates a console logger writing to stderr, so stdout only carries the report.
// Silent mode keeps errors and fatals only.
func NewDefaultLogger(level LogLevel, noColor bool, silent bool) Logger {
	return NewDefaultLoggerTo(os.Stderr, level, noColor, silent)
}

// NewDefaultLoggerTo is NewDefaultLogger writing to w.
func NewDefaultLoggerTo(w io.Writer, level LogLevel, noColor bool, silent bool) Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	encCfg.CallerKey = ""
	encCfg.NameKey = ""
	encCfg.ConsoleSeparator = " "
	if noColor {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	minLevel := level.zapLevel()
	if silent && minLevel < zapcore.ErrorLevel {
		minLevel = zapcore.ErrorLevel
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(w)), minLevel)
	return &zapLogger{sugar: zap.New(core).Sugar()}
}

// NewZapLogger wraps an existing zap logger, e.g. zaptest.NewLogger in tests.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{sugar: l.Sugar()}
}

func (l *zapLogger) Debugf(format string, v ...interface{}) { l.sugar.Debugf(format, v...) }
func (l *zapLogger) Infof(format string, v ...interface{})  { l.sugar.Infof(format, v...) }
func (l *zapLogger) Warnf(format string, v ...interface{})  { l.sugar.Warnf(format, v...) }
func (l *zapLogger) Errorf(format string, v ...interface{}) { l.sugar.Errorf(format, v...) }
func (l *zapLogger) Fatalf(format string, v ...interface{}) { l.sugar.Fatalf(format, v...) }

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (l *NoOpLogger) Debugf(format string, args ...interface{}) {}
func (l *NoOpLogger) Infof(format string, args ...interface{})  {}
func (l *NoOpLogger) Warnf(format string, args ...interface{})  {}
func (l *NoOpLogger) Errorf(format string, args ...interface{}) {}
func (l *NoOpLogger) Fatalf(format string, args ...interface{}) {}

// StringToLogLevel converts a log level string to LogLevel type.
// Defaults to LevelInfo if the string is unrecognized.
func StringToLogLevel(levelStr string) LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level string '%s', defaulting to INFO.\n", levelStr)
		return LevelInfo
	}
}
