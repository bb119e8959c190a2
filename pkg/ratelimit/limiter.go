package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket лимитер для контроля частоты запросов к
// upstream API провайдеров рыночных данных.
//
// - Ведро наполняется со скоростью rate токенов/сек до ёмкости burst
// - Каждый запрос потребляет 1 токен
// - Wait блокирует до появления токена, Allow проверяет без блокировки
//
// Это локальный ограничитель темпа исходящих запросов; учёт дневных квот
// и штрафы за ответы 429 ведутся отдельно (KeyService / SourceService).
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт лимитер.
//
// Ориентиры для провайдеров:
//   - binance:      ~20 req/sec на публичные endpoints
//   - twelvedata:   8 req/min на бесплатном тарифе
//   - alphavantage: 5 req/min на бесплатном тарифе
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	// burst может быть меньше rate: ведро на один токен без всплесков
	if burst <= 0 {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // стартуем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены по прошедшему времени. Вызывается под lock'ом.
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-time.After(waitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество токенов, для мониторинга
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate возвращает скорость пополнения (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}
