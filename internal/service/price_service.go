package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ayemen28191/Bot.v4-sub000/internal/audit"
	"github.com/ayemen28191/Bot.v4-sub000/internal/config"
	"github.com/ayemen28191/Bot.v4-sub000/internal/metrics"
	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/provider"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/retry"
)

// Ошибки цепочки провайдеров
var (
	ErrAllSourcesExhausted = errors.New("all providers exhausted for symbol")
	ErrEmptySymbol         = errors.New("symbol cannot be empty")
)

// maxKeyRotations - сколько ключей одного провайдера перебрать при
// последовательных rate limit, прежде чем перейти к следующему провайдеру
const maxKeyRotations = 3

// PriceService - цепочка получения цены с fallback между провайдерами.
//
// Алгоритм одного запроса:
// 1. Символ классифицируется (crypto/forex/equity), основной провайдер
//    класса идет первым, остальные - в фиксированном порядке fallback
// 2. Для провайдера с ключами берется лизинг у KeyService; rate limit
//    ротирует ключи того же провайдера (ограниченно)
// 3. Сетевые ошибки повторяются фиксированное число раз с фиксированной
//    задержкой; rate limit и кривые ответы не повторяются
// 4. Исход каждой попытки записывается в реестр источников
//
// Полное исчерпание цепочки - типизированная ошибка ErrAllSourcesExhausted,
// вызывающий код различает ее от сбоев инфраструктуры.
type PriceService struct {
	adapters map[string]provider.Adapter
	keys     *KeyService
	sources  SourceRecorder
	cfg      *config.ProvidersConfig
	audit    audit.Sink
	logger   *zap.Logger

	// now подменяется в тестах
	now func() time.Time
}

// NewPriceService создает цепочку провайдеров поверх готовых адаптеров.
// sources может быть nil - тогда исходы в реестр не записываются.
func NewPriceService(
	adapters map[string]provider.Adapter,
	keys *KeyService,
	sources SourceRecorder,
	cfg *config.ProvidersConfig,
	sink audit.Sink,
	logger *zap.Logger,
) *PriceService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PriceService{
		adapters: adapters,
		keys:     keys,
		sources:  sources,
		cfg:      cfg,
		audit:    sink,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Fetch получает текущую цену символа через цепочку провайдеров.
//
// Порядок обхода детерминирован: основной провайдер класса символа,
// затем остальные в порядке fallback, каждый провайдер не более
// одного раза.
func (s *PriceService) Fetch(ctx context.Context, symbol string) (*models.PriceResult, error) {
	if symbol == "" {
		return nil, ErrEmptySymbol
	}

	class := provider.Classify(symbol)
	order := s.providerOrder(class)

	s.logger.Debug("price fetch started",
		zap.String("symbol", symbol),
		zap.String("class", string(class)),
		zap.Strings("order", order))

	var lastErr error
	for _, name := range order {
		adapter, ok := s.adapters[name]
		if !ok {
			continue
		}

		value, err := s.fetchFromProvider(ctx, adapter, symbol)
		if err == nil {
			return &models.PriceResult{
				Symbol:    symbol,
				Value:     value,
				Source:    name,
				FetchedAt: s.now(),
			}, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.logger.Warn("provider failed, trying next",
			zap.String("symbol", symbol),
			zap.String("provider", name),
			zap.Error(err))
	}

	metrics.ChainExhausted.Inc()
	s.audit.Record(audit.LevelError, "price_service", "provider chain exhausted", map[string]interface{}{
		"symbol": symbol,
		"class":  string(class),
	})

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAllSourcesExhausted, symbol, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrAllSourcesExhausted, symbol)
}

// Execute выполняет запрос очереди реестра против конкретного источника.
// Ключи ротируются и исходы попыток записываются тем же путем, что и в
// основной цепочке Fetch.
func (s *PriceService) Execute(ctx context.Context, req *models.DataRequest, src *models.DataSource) error {
	adapter, ok := s.adapters[src.Provider]
	if !ok {
		return fmt.Errorf("no adapter for provider %s", src.Provider)
	}
	_, err := s.fetchFromProvider(ctx, adapter, req.Symbol)
	return err
}

// providerOrder строит порядок обхода: основной провайдер класса первым,
// остальные из фиксированного порядка fallback без повторов
func (s *PriceService) providerOrder(class models.ProviderClass) []string {
	primary := provider.ClassProvider(class)

	order := make([]string, 0, len(provider.FallbackOrder))
	order = append(order, primary)
	for _, name := range provider.FallbackOrder {
		if name != primary {
			order = append(order, name)
		}
	}
	return order
}

// fetchFromProvider выполняет попытки против одного провайдера,
// ротируя его ключи при rate limit
func (s *PriceService) fetchFromProvider(ctx context.Context, adapter provider.Adapter, symbol string) (float64, error) {
	name := adapter.Name()

	rotations := 1
	if adapter.RequiresKey() {
		rotations = maxKeyRotations
	}

	var lastErr error
	for i := 0; i < rotations; i++ {
		var lease *models.LeasedKey
		if adapter.RequiresKey() {
			var err error
			lease, err = s.keys.GetKeyForProvider(name)
			if err != nil {
				return 0, err
			}
			if lease == nil {
				// Пул и fallback исчерпаны - провайдер пропускается
				if lastErr != nil {
					return 0, lastErr
				}
				return 0, fmt.Errorf("no key available for %s", name)
			}
		}

		value, err := s.attempt(ctx, adapter, symbol, lease)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return 0, err
		}

		// Rate limit: ключ помечается упавшим, пробуем следующий ключ
		// того же провайдера. Остальные ошибки - к следующему провайдеру.
		if provider.IsRateLimited(err) && lease != nil {
			if markErr := s.keys.MarkLeaseFailed(name, lease, s.cfg.DefaultBackoff); markErr != nil {
				s.logger.Error("failed to mark key as failed",
					zap.String("provider", name),
					zap.Error(markErr))
			}
			continue
		}

		return 0, err
	}

	return 0, lastErr
}

// attempt - одна попытка получения цены одним ключом, с повторами
// только сетевых ошибок
func (s *PriceService) attempt(ctx context.Context, adapter provider.Adapter, symbol string, lease *models.LeasedKey) (float64, error) {
	name := adapter.Name()
	apiKey := ""
	if lease != nil {
		apiKey = lease.Key
	}

	cfg := retry.FixedConfig(s.cfg.RetryAttempts, s.cfg.RetryDelay)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("retrying upstream call",
			zap.String("provider", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	started := s.now()
	value, err := retry.DoWithResult(ctx, func() (float64, error) {
		return adapter.FetchPrice(ctx, symbol, apiKey)
	}, cfg)
	latency := s.now().Sub(started)

	outcome := "success"
	if err != nil {
		kind := provider.KindOf(err)
		if kind != 0 {
			outcome = kind.String()
		} else {
			outcome = "network"
		}
	}
	metrics.RecordAttempt(name, outcome, float64(latency.Milliseconds()))

	if s.sources != nil {
		s.sources.RecordOutcome(name, err == nil, latency)
		if provider.IsRateLimited(err) {
			s.sources.RecordRateLimit(name, 0, time.Time{})
		}
	}

	return value, err
}
