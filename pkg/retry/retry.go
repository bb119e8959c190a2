package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config - конфигурация retry логики.
//
// delay = min(InitialDelay * Multiplier^attempt + jitter, MaxDelay)
//
// Для запросов к провайдерам рыночных данных внутри одного пользовательского
// запроса используется FixedConfig: ограниченное число попыток с фиксированной
// задержкой, без неограниченного backoff.
type Config struct {
	// MaxRetries - максимальное количество попыток (включая первую)
	MaxRetries int

	// InitialDelay - начальная задержка между попытками
	InitialDelay time.Duration

	// MaxDelay - максимальная задержка между попытками
	MaxDelay time.Duration

	// Multiplier - множитель экспоненциального роста (1.0 = фиксированная задержка)
	Multiplier float64

	// JitterFactor - фактор случайности 0.0-1.0, защита от thundering herd
	JitterFactor float64

	// RetryIf - фильтр ошибок; nil = retry'ить все
	RetryIf func(error) bool

	// OnRetry - callback перед каждым повтором, для логирования
	OnRetry func(attempt int, err error, delay time.Duration)
}

// FixedConfig - политика попыток для upstream вызовов цепочки провайдеров:
// attempts попыток с фиксированной задержкой delay, без роста.
func FixedConfig(attempts int, delay time.Duration) Config {
	return Config{
		MaxRetries:   attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1.0,
	}
}

// NetworkConfig - политика для сетевых операций вне пользовательского запроса
// (например, проверка ключа при подключении): 4 попытки, 1s-8s.
func NetworkConfig() Config {
	return Config{
		MaxRetries:   4,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// validate устанавливает значения по умолчанию
func (c *Config) validate() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 1.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
}

// calculateDelay вычисляет задержку перед попыткой attempt
func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))

	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	if c.JitterFactor > 0 {
		jitter := delay * c.JitterFactor * (rand.Float64()*2 - 1)
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// Do выполняет операцию с повторными попытками.
//
// Возвращает nil при успехе либо последнюю ошибку, когда попытки исчерпаны.
// Отмена контекста прерывает ожидание между попытками.
func Do(ctx context.Context, operation func() error, cfg Config) error {
	_, err := DoWithResult(ctx, func() (struct{}, error) {
		return struct{}{}, operation()
	}, cfg)
	return err
}

// DoWithResult выполняет операцию, возвращающую значение, с повторными попытками
func DoWithResult[T any](ctx context.Context, operation func() (T, error), cfg Config) (T, error) {
	cfg.validate()

	var lastErr error
	var zero T

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, ctx.Err()
		default:
		}

		result, err := operation()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}

		// Permanent ошибки не повторяем независимо от RetryIf
		if !IsRetryable(err) {
			return zero, err
		}

		if attempt >= cfg.MaxRetries-1 {
			break
		}

		delay := cfg.calculateDelay(attempt)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// ============================================================
// Классификация ошибок
// ============================================================

// RetryableError - интерфейс ошибок, знающих, можно ли их повторять
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryable проверяет, имеет ли смысл повторять операцию после ошибки.
// Ошибки, не реализующие RetryableError, считаются повторяемыми.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	return true
}

// PermanentError оборачивает ошибку, которую повторять бессмысленно
// (невалидный ключ, неподдерживаемый символ)
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Retryable() bool { return false }

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
