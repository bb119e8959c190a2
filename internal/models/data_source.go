package models

import "time"

// Типы источников данных
const (
	SourceTypePrimary   = "primary"
	SourceTypeSecondary = "secondary"
	SourceTypeFallback  = "fallback"
)

// Типы запросов данных
const (
	RequestTypePrice      = "price"
	RequestTypeIndicators = "indicators"
	RequestTypeHistorical = "historical"
)

// Классы провайдеров по типу символа
type ProviderClass string

const (
	ClassCrypto ProviderClass = "crypto" // биржевой API (binance)
	ClassForex  ProviderClass = "forex"  // агрегатор (twelvedata)
	ClassEquity ProviderClass = "equity" // котировки акций (alphavantage)
)

// Пороги отбора источников.
// Источник с показателями хуже порогов не выбирается вообще.
const (
	MinSelectableHealth = 50.0 // healthScore <= 50 - источник исключается
	MaxSelectableErrors = 50.0 // errorRate >= 50 - источник исключается
)

// DataSource - зарегистрированный upstream источник данных.
//
// Живёт только в памяти процесса: создаётся при старте из статической
// конфигурации и непрерывно мутируется записью исходов запросов.
// Все мутации идут через SourceService под его mutex'ом -
// поля самой структуры не защищены.
type DataSource struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`     // primary, secondary, fallback
	Provider string `json:"provider"` // какому провайдеру принадлежит
	Priority int    `json:"priority"` // меньше = важнее, tie-break

	// Какие типы запросов и классы символов источник умеет обслуживать
	Capabilities []string        `json:"capabilities"` // price, indicators, historical
	Classes      []ProviderClass `json:"classes"`

	// Живые показатели качества
	HealthScore  float64 `json:"health_score"`  // 0-100
	ResponseTime float64 `json:"response_time"` // скользящее среднее, мс
	ErrorRate    float64 `json:"error_rate"`    // 0-100

	// Rate limit состояние
	RateLimitRemaining int       `json:"rate_limit_remaining"`
	RateLimitDefault   int       `json:"rate_limit_default"` // восстанавливаемое значение
	RateLimitReset     time.Time `json:"rate_limit_reset"`

	// Счетчики и служебные отметки
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
	LastCheck    time.Time `json:"last_check"`

	// Отложенное частичное восстановление после Disable
	RestoreAt    time.Time `json:"-"`
	RestoreScore float64   `json:"-"`
}

// CanServe проверяет совместимость источника с запросом
func (s *DataSource) CanServe(req *DataRequest) bool {
	capOK := false
	for _, c := range s.Capabilities {
		if c == req.Type {
			capOK = true
			break
		}
	}
	if !capOK {
		return false
	}
	if req.Class == "" {
		return true
	}
	for _, cl := range s.Classes {
		if cl == req.Class {
			return true
		}
	}
	return false
}

// IsSelectable проверяет пороговые условия отбора (здоровье, ошибки, rate limit)
func (s *DataSource) IsSelectable() bool {
	if s.HealthScore <= MinSelectableHealth {
		return false
	}
	if s.RateLimitRemaining <= 0 {
		return false
	}
	if s.ErrorRate >= MaxSelectableErrors {
		return false
	}
	return true
}

// CompositeScore вычисляет составную оценку источника.
//
// score = 0.4*health + 0.3*speed + 0.2*reliability + 0.1*priority
//
// где:
//
//	speed       = max(0, 100 - responseTime/10)
//	reliability = max(0, 100 - errorRate)
//	priority    = max(0, 100 - priority*10)
//
// Увеличение healthScore при прочих равных никогда не уменьшает оценку.
func (s *DataSource) CompositeScore() float64 {
	speed := 100 - s.ResponseTime/10
	if speed < 0 {
		speed = 0
	}
	reliability := 100 - s.ErrorRate
	if reliability < 0 {
		reliability = 0
	}
	priority := 100 - float64(s.Priority)*10
	if priority < 0 {
		priority = 0
	}
	return 0.4*s.HealthScore + 0.3*speed + 0.2*reliability + 0.1*priority
}

// SourceStats - снапшот источника для админского API и websocket broadcast
type SourceStats struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	Provider           string    `json:"provider"`
	HealthScore        float64   `json:"health_score"`
	ResponseTime       float64   `json:"response_time_ms"`
	ErrorRate          float64   `json:"error_rate"`
	RateLimitRemaining int       `json:"rate_limit_remaining"`
	SuccessCount       int64     `json:"success_count"`
	ErrorCount         int64     `json:"error_count"`
	CompositeScore     float64   `json:"composite_score"`
	Selectable         bool      `json:"selectable"`
	LastCheck          time.Time `json:"last_check"`
}

// Stats строит снапшот источника
func (s *DataSource) Stats() SourceStats {
	return SourceStats{
		ID:                 s.ID,
		Name:               s.Name,
		Type:               s.Type,
		Provider:           s.Provider,
		HealthScore:        s.HealthScore,
		ResponseTime:       s.ResponseTime,
		ErrorRate:          s.ErrorRate,
		RateLimitRemaining: s.RateLimitRemaining,
		SuccessCount:       s.SuccessCount,
		ErrorCount:         s.ErrorCount,
		CompositeScore:     s.CompositeScore(),
		Selectable:         s.IsSelectable(),
		LastCheck:          s.LastCheck,
	}
}

// DataRequest - эфемерный запрос данных, маршрутизируемый к совместимому
// источнику. Ставится в очередь, обрабатывается один раз и выбрасывается.
type DataRequest struct {
	RequestID string        `json:"request_id"`
	Symbol    string        `json:"symbol"`
	Type      string        `json:"type"` // price, indicators, historical
	Timeframe string        `json:"timeframe,omitempty"`
	Class     ProviderClass `json:"class,omitempty"`
}

// PriceResult - итог успешного получения цены через цепочку провайдеров
type PriceResult struct {
	Symbol    string    `json:"symbol"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"` // имя провайдера, давшего ответ
	FetchedAt time.Time `json:"fetched_at"`
}
