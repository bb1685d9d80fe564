// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 包装 zap，保留 map 字段风格的调用方式
type Logger struct {
	mu    sync.RWMutex
	zl    *zap.Logger
	level zap.AtomicLevel
	file  *os.File
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
		globalLogger = &Logger{
			level: level,
			zl:    zap.New(newCore(zapcore.Lock(os.Stdout), level), zap.AddCaller(), zap.AddCallerSkip(2)),
		}
	})
	return globalLogger
}

// NewLogger 基于已有的 zap.Logger 创建独立实例（测试里常用 zap.NewNop）。
// 初始为 info 级别，SetDebug 生效；传入 core 自身的级别仍然起作用
func NewLogger(zl *zap.Logger) *Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	wrap := zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return &levelCore{Core: c, level: level}
	})
	return &Logger{zl: zl.WithOptions(wrap, zap.AddCallerSkip(2)), level: level}
}

// levelCore 在已有 core 外再加一道可调级别
type levelCore struct {
	zapcore.Core
	level zapcore.LevelEnabler
}

func (c *levelCore) Enabled(lvl zapcore.Level) bool {
	return c.level.Enabled(lvl) && c.Core.Enabled(lvl)
}

func (c *levelCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelCore{Core: c.Core.With(fields), level: c.level}
}

func (c *levelCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.level.Enabled(ent.Level) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

func newCore(ws zapcore.WriteSyncer, level zap.AtomicLevel) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level)
}

// InitLogger 追加日志文件输出，stdout 仍然保留
func InitLogger(logFile string) error {
	logger := GetLogger()

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.file != nil {
		logger.file.Close()
	}
	logger.file = file
	core := zapcore.NewTee(
		newCore(zapcore.Lock(os.Stdout), logger.level),
		newCore(zapcore.AddSync(file), logger.level),
	)
	logger.zl = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	return nil
}

// SetDebug 切换调试级别
func (l *Logger) SetDebug(debug bool) {
	if debug {
		l.level.SetLevel(zapcore.DebugLevel)
	} else {
		l.level.SetLevel(zapcore.InfoLevel)
	}
}

// Sync 刷新缓冲
func (l *Logger) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl.Sync()
}

func (l *Logger) log(level zapcore.Level, message string, fields map[string]interface{}) {
	l.mu.RLock()
	zl := l.zl
	l.mu.RUnlock()

	ce := zl.Check(level, message)
	if ce == nil {
		return
	}
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			zf = append(zf, zap.NamedError(k, err))
			continue
		}
		zf = append(zf, zap.Any(k, v))
	}
	ce.Write(zf...)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(zapcore.DebugLevel, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(zapcore.InfoLevel, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(zapcore.WarnLevel, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(zapcore.ErrorLevel, message, fields)
}
