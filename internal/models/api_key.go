package models

import (
	"strings"
	"time"
)

// Поддерживаемые провайдеры рыночных данных
const (
	ProviderTwelveData   = "twelvedata"
	ProviderAlphaVantage = "alphavantage"
	ProviderBinance      = "binance"
)

// SupportedProviders - список поддерживаемых провайдеров
var SupportedProviders = []string{
	ProviderBinance,
	ProviderTwelveData,
	ProviderAlphaVantage,
}

// IsSupportedProvider проверяет, поддерживается ли провайдер
func IsSupportedProvider(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedProviders {
		if name == supported {
			return true
		}
	}
	return false
}

// ApiKey представляет API ключ провайдера рыночных данных
//
// Ключ хранится в БД в зашифрованном виде (AES-256-GCM) и расшифровывается
// репозиторием при чтении. В JSON секрет не возвращается никогда -
// для отображения используется MaskedKey().
type ApiKey struct {
	ID          int        `json:"id" db:"id"`
	Key         string     `json:"-" db:"key_value"`                      // секрет, в логи только маскированным
	Provider    string     `json:"provider" db:"provider"`                // twelvedata, alphavantage, binance
	UsageToday  int        `json:"usage_today" db:"usage_today"`          // счетчик запросов, сбрасывается ежедневно
	DailyQuota  *int       `json:"daily_quota,omitempty" db:"daily_quota"` // nil = без лимита
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	FailedUntil *time.Time `json:"failed_until,omitempty" db:"failed_until"` // ключ недоступен пока now < FailedUntil
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsAvailable проверяет, может ли ключ быть выдан в лизинг в момент now.
//
// Ключ доступен когда:
// - секрет не пустой (после расшифровки)
// - FailedUntil не установлен или уже прошёл
// - дневная квота не установлена или не исчерпана
//
// Тот же фильтр используется репозиторием при выборе кандидата,
// здесь он нужен для вычисления KeyStats.IsAvailable.
func (k *ApiKey) IsAvailable(now time.Time) bool {
	if strings.TrimSpace(k.Key) == "" {
		return false
	}
	if k.FailedUntil != nil && now.Before(*k.FailedUntil) {
		return false
	}
	if k.DailyQuota != nil && k.UsageToday >= *k.DailyQuota {
		return false
	}
	return true
}

// MaskedKey возвращает маскированное представление секрета для отображения.
//
// Формат: первые 4 символа + "..." + последние 4 символа.
// Для ключей короче 8 символов возвращается "****".
//
// ВАЖНО: маскирование - это удобство отображения, а не криптографическая
// защита. Секрет не должен попадать в логи даже маскированным без необходимости.
func (k *ApiKey) MaskedKey() string {
	return MaskSecret(k.Key)
}

// MaskSecret маскирует произвольный секрет по тем же правилам, что MaskedKey
func MaskSecret(secret string) string {
	if len(secret) < 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

// KeyStats - read-only проекция ключа для админского API.
// Секрет всегда маскирован.
type KeyStats struct {
	ID          int        `json:"id"`
	MaskedKey   string     `json:"key"`
	Provider    string     `json:"provider"`
	UsageToday  int        `json:"usage_today"`
	DailyQuota  *int       `json:"daily_quota,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	FailedUntil *time.Time `json:"failed_until,omitempty"`
	IsAvailable bool       `json:"is_available"`
}

// Stats строит проекцию KeyStats на момент now
func (k *ApiKey) Stats(now time.Time) KeyStats {
	return KeyStats{
		ID:          k.ID,
		MaskedKey:   k.MaskedKey(),
		Provider:    k.Provider,
		UsageToday:  k.UsageToday,
		DailyQuota:  k.DailyQuota,
		LastUsedAt:  k.LastUsedAt,
		FailedUntil: k.FailedUntil,
		IsAvailable: k.IsAvailable(now),
	}
}

// LeasedKey - результат выдачи ключа через KeyService.GetKeyForProvider.
// Source показывает, откуда взят ключ: из БД или из fallback конфигурации.
type LeasedKey struct {
	Key    string `json:"-"`
	KeyID  int    `json:"key_id"`            // 0 для fallback ключей
	Source string `json:"source"`            // "database" или "fallback"
}

// Источники выданных ключей
const (
	KeySourceDatabase = "database"
	KeySourceFallback = "fallback"
)
