package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики слоя получения рыночных данных
// ============================================================
//
// Использование:
// - Grafana дашборды: здоровье источников, исчерпание пулов ключей
// - Alertmanager: алерты на полное исчерпание цепочки провайдеров

// ============ Метрики пула ключей ============

// KeyLeases - выдачи ключей по провайдерам и результатам
var KeyLeases = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketdata",
		Subsystem: "keys",
		Name:      "leases_total",
		Help:      "Total number of key lease attempts",
	},
	[]string{"provider", "result"}, // result: leased, exhausted, fallback, error
)

// KeysAvailable - количество доступных ключей в пуле
var KeysAvailable = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "marketdata",
		Subsystem: "keys",
		Name:      "available",
		Help:      "Number of currently leasable keys per provider",
	},
	[]string{"provider"},
)

// KeyFailures - пометки ключей как упавших
var KeyFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketdata",
		Subsystem: "keys",
		Name:      "failures_total",
		Help:      "Total number of keys marked as failed",
	},
	[]string{"provider"},
)

// ============ Метрики источников данных ============

// SourceHealth - текущий health score источника
var SourceHealth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "marketdata",
		Subsystem: "sources",
		Name:      "health_score",
		Help:      "Current health score of a data source (0-100)",
	},
	[]string{"source"},
)

// SourceResponseTime - скользящее среднее времени ответа источника
var SourceResponseTime = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "marketdata",
		Subsystem: "sources",
		Name:      "response_time_ms",
		Help:      "Moving average response time of a data source in milliseconds",
	},
	[]string{"source"},
)

// SourceSelections - выборы источника реестром
var SourceSelections = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketdata",
		Subsystem: "sources",
		Name:      "selections_total",
		Help:      "Total number of source selections",
	},
	[]string{"source"},
)

// QueueDepth - глубина очереди запросов реестра
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "marketdata",
		Subsystem: "sources",
		Name:      "queue_depth",
		Help:      "Current depth of the data request queue",
	},
)

// ============ Метрики цепочки провайдеров ============

// UpstreamLatency - латентность upstream вызовов
var UpstreamLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "marketdata",
		Subsystem: "upstream",
		Name:      "latency_ms",
		Help:      "Upstream provider call latency in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"provider"},
)

// FallbackAttempts - попытки по провайдерам в цепочке fallback
var FallbackAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "marketdata",
		Subsystem: "upstream",
		Name:      "fallback_attempts_total",
		Help:      "Provider attempts within the fallback chain",
	},
	[]string{"provider", "outcome"}, // outcome: success, rate_limited, network, malformed
)

// ChainExhausted - полные исчерпания цепочки провайдеров
var ChainExhausted = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "marketdata",
		Subsystem: "upstream",
		Name:      "chain_exhausted_total",
		Help:      "Number of requests for which every provider class failed",
	},
)

// ============ Вспомогательные функции ============

// RecordLease записывает попытку выдачи ключа
func RecordLease(provider, result string) {
	KeyLeases.WithLabelValues(provider, result).Inc()
}

// RecordKeyFailure записывает пометку ключа упавшим
func RecordKeyFailure(provider string) {
	KeyFailures.WithLabelValues(provider).Inc()
}

// UpdateSourceHealth обновляет gauge'ы источника
func UpdateSourceHealth(source string, health, responseTime float64) {
	SourceHealth.WithLabelValues(source).Set(health)
	SourceResponseTime.WithLabelValues(source).Set(responseTime)
}

// RecordAttempt записывает попытку upstream вызова
func RecordAttempt(provider, outcome string, latencyMs float64) {
	FallbackAttempts.WithLabelValues(provider, outcome).Inc()
	UpstreamLatency.WithLabelValues(provider).Observe(latencyMs)
}
