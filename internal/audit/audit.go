package audit

import (
	"go.uber.org/zap"
)

// Уровни событий аудита
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Sink принимает события аудита подсистемы получения данных.
//
// Контракт fire-and-forget: Record никогда не возвращает ошибку и не
// блокирует вызывающую операцию - сбой записи аудита не должен ронять
// выдачу ключа или запрос цены.
type Sink interface {
	Record(level, source, message string, meta map[string]interface{})
}

// ZapSink - реализация Sink поверх zap логгера
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink создает sink поверх переданного логгера
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

// Record записывает событие аудита.
//
// Секреты в meta должны быть маскированы вызывающей стороной -
// sink не знает, какие поля чувствительны.
func (s *ZapSink) Record(level, source, message string, meta map[string]interface{}) {
	fields := make([]zap.Field, 0, len(meta)+1)
	fields = append(fields, zap.String("source", source))
	for k, v := range meta {
		fields = append(fields, zap.Any(k, v))
	}

	switch level {
	case LevelError:
		s.logger.Error(message, fields...)
	case LevelWarn:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Info(message, fields...)
	}
}

// NopSink - заглушка для тестов и случаев, когда аудит не настроен
type NopSink struct{}

// Record ничего не делает
func (NopSink) Record(level, source, message string, meta map[string]interface{}) {}
