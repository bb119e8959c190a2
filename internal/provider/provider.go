// Package provider содержит тонкие адаптеры upstream API рыночных данных.
//
// Адаптер отвечает только за выполнение одного запроса и классификацию
// ошибки ответа. Выбор провайдера, ротация ключей и fallback - забота
// сервисного слоя.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
)

// Adapter - единый интерфейс адаптера провайдера
type Adapter interface {
	// Name возвращает имя провайдера (совпадает с models.Provider*)
	Name() string

	// Class возвращает класс символов, который провайдер обслуживает лучше всего
	Class() models.ProviderClass

	// RequiresKey сообщает, нужен ли API ключ для запроса цены
	RequiresKey() bool

	// FetchPrice запрашивает текущую цену символа.
	// Возвращаемые ошибки всегда типизированы (*Error).
	FetchPrice(ctx context.Context, symbol, apiKey string) (float64, error)
}

// FallbackOrder - фиксированный приоритет обхода классов провайдеров
// в цепочке fallback
var FallbackOrder = []string{
	models.ProviderBinance,
	models.ProviderTwelveData,
	models.ProviderAlphaVantage,
}

// New создает адаптер провайдера по имени
func New(name string, timeout time.Duration) (Adapter, bool) {
	switch strings.ToLower(name) {
	case models.ProviderBinance:
		return NewBinance(timeout), true
	case models.ProviderTwelveData:
		return NewTwelveData(timeout), true
	case models.ProviderAlphaVantage:
		return NewAlphaVantage(timeout), true
	default:
		return nil, false
	}
}

// cryptoTokens - маркеры криптосимволов для классификации
var cryptoTokens = []string{"BTC", "ETH", "USDT", "BNB", "XRP", "SOL", "DOGE", "ADA"}

// Classify определяет класс провайдера для символа.
//
// Детерминированное правило:
//   - символ содержит известный крипто-тикер -> биржевой API
//   - символ содержит "/" -> forex агрегатор
//   - всё остальное -> котировки акций
//
// Крипта проверяется первой: "BTC/USDT" - крипта, несмотря на слэш.
func Classify(symbol string) models.ProviderClass {
	upper := strings.ToUpper(symbol)

	for _, token := range cryptoTokens {
		if strings.Contains(upper, token) {
			return models.ClassCrypto
		}
	}

	if strings.Contains(upper, "/") {
		return models.ClassForex
	}

	return models.ClassEquity
}

// ClassProvider возвращает основного провайдера класса
func ClassProvider(class models.ProviderClass) string {
	switch class {
	case models.ClassCrypto:
		return models.ProviderBinance
	case models.ClassForex:
		return models.ProviderTwelveData
	default:
		return models.ProviderAlphaVantage
	}
}
