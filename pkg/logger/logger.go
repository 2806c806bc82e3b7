// Package logger provides component-tagged structured logging for teamchat.
//
// Call sites name the component that is logging ("connection", "dispatcher",
// "presence", ...) and attach fields as a map, which keeps the call shape
// uniform across packages while zap does the encoding underneath.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

// ParseLevel maps a config string to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures the process-wide logger.
type Options struct {
	Level      LogLevel
	FilePath   string // JSON lines, rotated; empty disables the file sink
	Console    bool
	Production bool // JSON console encoding instead of the development encoder
}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base   = newDefault()
	rotate *lumberjack.Logger
)

func newDefault() *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// Init replaces the process-wide logger according to opts.
func Init(opts Options) {
	level.SetLevel(opts.Level.zapLevel())

	var cores []zapcore.Core

	if opts.FilePath != "" {
		r := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.MessageKey = "message"
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(r), level))

		mu.Lock()
		if rotate != nil {
			_ = rotate.Close()
		}
		rotate = r
		mu.Unlock()
	}

	if opts.Console || opts.FilePath == "" {
		var enc zapcore.Encoder
		if opts.Production {
			enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		} else {
			enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
	}

	Use(zap.New(zapcore.NewTee(cores...)))
}

// Use swaps the underlying zap logger. Tests hand in an observer-backed logger.
func Use(l *zap.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

func SetLevel(l LogLevel) {
	level.SetLevel(l.zapLevel())
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Sync flushes buffered entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

func logMessage(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	z := base
	mu.RUnlock()

	zfs := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zfs = append(zfs, zap.String("component", component))
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			zfs = append(zfs, zap.NamedError(k, err))
			continue
		}
		zfs = append(zfs, zap.Any(k, v))
	}

	switch l {
	case DEBUG:
		z.Debug(message, zfs...)
	case WARN:
		z.Warn(message, zfs...)
	case ERROR:
		z.Error(message, zfs...)
	default:
		z.Info(message, zfs...)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func Info(message string)  { logMessage(INFO, "", message, nil) }
func Warn(message string)  { logMessage(WARN, "", message, nil) }
func Error(message string) { logMessage(ERROR, "", message, nil) }

func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logMessage(INFO, component, message, nil) }
func WarnC(component, message string)  { logMessage(WARN, component, message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
