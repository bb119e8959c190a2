package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// validator.go - валидация входных параметров key-менеджмента.
//
// Валидация выполняется ДО любой мутации: невалидный вход отклоняется
// без обращения к БД.

// Ошибки валидации
var (
	ErrEmptyProvider   = errors.New("provider cannot be empty")
	ErrInvalidKeyID    = errors.New("key id must be positive")
	ErrEmptyKeyValue   = errors.New("key value cannot be empty")
	ErrBackoffNegative = errors.New("backoff cannot be negative")
	ErrBackoffTooLong  = errors.New("backoff cannot exceed 30 days")
)

// MaxBackoff - верхняя граница окна недоступности ключа
const MaxBackoff = 30 * 24 * time.Hour

// ValidateProvider проверяет имя провайдера
func ValidateProvider(provider string) error {
	if strings.TrimSpace(provider) == "" {
		return ErrEmptyProvider
	}
	return nil
}

// ValidateKeyID проверяет идентификатор ключа
func ValidateKeyID(keyID int) error {
	if keyID <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidKeyID, keyID)
	}
	return nil
}

// ValidateKeyValue проверяет, что секрет ключа не пустой
func ValidateKeyValue(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKeyValue
	}
	return nil
}

// ValidateBackoff проверяет диапазон окна недоступности: 0 <= backoff <= 30 дней
func ValidateBackoff(backoff time.Duration) error {
	if backoff < 0 {
		return fmt.Errorf("%w: got %s", ErrBackoffNegative, backoff)
	}
	if backoff > MaxBackoff {
		return fmt.Errorf("%w: got %s", ErrBackoffTooLong, backoff)
	}
	return nil
}
