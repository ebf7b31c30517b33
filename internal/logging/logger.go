package logging

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// zapLevel maps to zap levels. FATAL is recorded at error level with a
// fatal=true field; the logger never exits the process on its own.
func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// ContextKey for correlation ID
type contextKey string

const CorrelationIDKey contextKey = "correlation_id"

// Logger is the structured logger. Every entry carries a component and an
// action, plus the node id and correlation id when known.
type Logger struct {
	zl     *zap.Logger
	level  zap.AtomicLevel
	nodeID string
	files  []*os.File
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	NodeID        string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	JSON          bool
}

// NewLogger creates a new structured logger instance
func NewLogger(config Config) (*Logger, error) {
	level := zap.NewAtomicLevelAt(config.Level.zapLevel())
	l := &Logger{level: level, nodeID: config.NodeID}

	var cores []zapcore.Core
	if config.EnableConsole {
		cores = append(cores, zapcore.NewCore(newEncoder(config.JSON), zapcore.Lock(os.Stdout), level))
	}
	if config.EnableFile && config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", config.LogFile)
		}
		l.files = append(l.files, file)
		// Files always get JSON so they stay machine readable.
		cores = append(cores, zapcore.NewCore(newEncoder(true), zapcore.AddSync(file), level))
	}

	if len(cores) == 0 {
		l.zl = zap.NewNop()
	} else {
		l.zl = zap.New(zapcore.NewTee(cores...))
	}
	return l, nil
}

// NewWithCore wraps an existing zap core, mainly for tests using zaptest/observer.
func NewWithCore(core zapcore.Core, nodeID string) *Logger {
	return &Logger{
		zl:     zap.New(core),
		level:  zap.NewAtomicLevelAt(zapcore.DebugLevel),
		nodeID: nodeID,
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zl: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

func newEncoder(json bool) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "@timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if json {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// log is the internal logging method
func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields map[string]interface{}, err error, duration *time.Duration) {
	ce := l.zl.Check(level.zapLevel(), message)
	if ce == nil {
		return
	}

	zfields := make([]zap.Field, 0, len(fields)+6)
	zfields = append(zfields, zap.String("component", component), zap.String("action", action))
	if l.nodeID != "" {
		zfields = append(zfields, zap.String("node_id", l.nodeID))
	}
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		zfields = append(zfields, zap.String("correlation_id", correlationID))
	}
	if err != nil {
		zfields = append(zfields, zap.Error(err))
	}
	if duration != nil {
		zfields = append(zfields, zap.Int64("duration_ms", duration.Milliseconds()))
	}
	if level == FATAL {
		zfields = append(zfields, zap.Bool("fatal", true))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	ce.Write(zfields...)
}

func firstFields(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	l.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
}

// Fatal logs a fatal message. It does not exit.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...map[string]interface{}) {
	l.log(ctx, level, component, action, message, firstFields(fields), nil, &duration)
}

// StartTimer returns a function that logs duration when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.WithDuration(ctx, DEBUG, component, action, message, time.Since(start))
	}
}

// Close flushes buffered entries and closes any log files.
func (l *Logger) Close() {
	_ = l.zl.Sync()
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}

// Global logger instance
var (
	globalLogger = NewNop()
	loggerMutex  sync.RWMutex
)

// SetGlobalLogger sets the global logger instance. nil restores the no-op logger.
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if logger == nil {
		logger = NewNop()
	}
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Convenience functions that use the global logger
func Debug(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

func Info(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
}

func Warn(ctx context.Context, component, action, message string, fields ...map[string]interface{}) {
	GetGlobalLogger().log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
}

func Error(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	GetGlobalLogger().log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...map[string]interface{}) {
	GetGlobalLogger().log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
}

func StartTimer(ctx context.Context, component, action, message string) func() {
	return GetGlobalLogger().StartTimer(ctx, component, action, message)
}
