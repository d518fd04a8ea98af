package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu          sync.Mutex
	globalBase  *zap.Logger
	globalSugar *zap.SugaredLogger
	globalFile  *lumberjack.Logger
)

// Options configures the process logger. Env is "production" or
// "development" (default). File, when set, adds a rotated JSON file output.
type Options struct {
	Env        string
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New builds a logger without touching the globals.
func New(opts Options) (*zap.Logger, *lumberjack.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(opts.Env, "prod") || strings.EqualFold(opts.Env, "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if strings.TrimSpace(opts.Level) != "" {
		level, err := zap.ParseAtomicLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %w", err)
		}
		cfg.Level = level
	}

	base, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(opts.File) == "" {
		return base, nil, nil
	}

	writer := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(writer),
		cfg.Level,
	)
	tee := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return tee, writer, nil
}

// Init installs the global logger and routes the stdlib log package into it.
// Calling Init again replaces the previous logger.
func Init(opts Options) (*zap.Logger, error) {
	base, file, err := New(opts)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	if globalFile != nil {
		_ = globalFile.Close()
	}
	zap.ReplaceGlobals(base)
	_ = zap.RedirectStdLog(base)
	globalBase = base
	globalSugar = base.Sugar()
	globalFile = file
	return base, nil
}

// Base returns the global logger, initializing it from LOG_ENV on first use.
func Base() *zap.Logger {
	mu.Lock()
	b := globalBase
	mu.Unlock()
	if b != nil {
		return b
	}
	if l, err := Init(Options{Env: os.Getenv("LOG_ENV")}); err == nil {
		return l
	}
	l, _ := zap.NewDevelopment()
	return l
}

// L returns the global sugared logger.
func L() *zap.SugaredLogger {
	mu.Lock()
	s := globalSugar
	mu.Unlock()
	if s != nil {
		return s
	}
	return Base().Sugar()
}

// Sync flushes buffered entries and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if globalBase != nil {
		_ = globalBase.Sync()
	}
	if globalFile != nil {
		_ = globalFile.Close()
		globalFile = nil
	}
}
