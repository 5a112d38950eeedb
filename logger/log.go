package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

func init() {
	Log = New(os.Stdout)
}

// New builds the console logger used across the gateway. Every logger shares
// the package level, so SetLevel applies to all of them.
func New(w zapcore.WriteSyncer) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		w,
		level,
	)

	return zap.New(core, zap.AddCaller())
}

// SetLevel accepts debug/info/warn/error. Unknown values fall back to info.
func SetLevel(name string) {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err != nil {
		lv = zapcore.InfoLevel
	}
	level.SetLevel(lv)
}

// Named returns a child of Log tagged with the component name.
func Named(component string) *zap.Logger {
	return Log.With(zap.String("component", component))
}

// 快捷方法
func Info(msg string, fields ...zap.Field) { Log.Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	Log.Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field)  { Log.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Log.Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	Log.Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { Log.Debug(msg, fields...) }

func Sync() { _ = Log.Sync() }
