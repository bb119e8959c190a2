package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logger.go - настройка структурированного логирования на zap
//
// Единая точка инициализации логгера для всего сервиса.
// Формат json для production (машинный разбор), console для разработки.
// Уровни: debug, info, warn, error.

// InitLogger создаёт и настраивает zap логгер.
//
// Параметры:
//   - level: минимальный уровень ("debug", "info", "warn", "error")
//   - format: "json" или "console"
func InitLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(format) {
	case "json", "":
		cfg.Encoding = "json"
	case "console", "text":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	logger, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return nil, err
	}

	return logger, nil
}

// NopLogger возвращает логгер, который ничего не пишет. Для тестов.
func NopLogger() *zap.Logger {
	return zap.NewNop()
}
