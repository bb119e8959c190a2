package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayemen28191/Bot.v4-sub000/internal/audit"
	"github.com/ayemen28191/Bot.v4-sub000/internal/config"
	"github.com/ayemen28191/Bot.v4-sub000/internal/metrics"
	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
)

// Ошибки реестра источников
var (
	ErrSourceNotFound  = errors.New("data source not found")
	ErrDuplicateSource = errors.New("data source already registered")
	ErrQueueClosed     = errors.New("request queue is closed")
	ErrNilRequest      = errors.New("request cannot be nil")
)

// Константы мутации показателей качества источника.
// Успех лечит медленно, ошибка бьет сильно: после серии сбоев источник
// выпадает из отбора задолго до нулевого здоровья.
const (
	healthRewardSuccess = 1.0  // +health за успешный запрос
	healthPenaltyError  = 5.0  // -health за ошибку
	errorRateReward     = 0.5  // -errorRate за успешный запрос
	errorRatePenalty    = 2.0  // +errorRate за ошибку
	healthDriftStep     = 2.0  // +health за цикл фонового восстановления
	healthDriftCeiling  = 90.0 // фон лечит только ниже этого порога

	// rateLimitWarning - порог остатка rate limit, ниже которого
	// источник штрафуется здоровьем до пола
	rateLimitWarning     = 10
	rateLimitHealthFloor = 20.0

	// disableRestoreScore - здоровье после частичного восстановления
	// вручную отключенного источника
	disableRestoreScore = 50.0

	// registerRateLimitAllowance - стартовый запас rate limit для
	// источника, зарегистрированного без явных лимитов. Нулевой запас
	// означал бы, что источник не проходит отбор с самого старта.
	registerRateLimitAllowance = 60

	// rateLimitRecoveryWindow - окно восстановления исчерпанного rate
	// limit, когда upstream не сообщил момент сброса
	rateLimitRecoveryWindow = time.Minute
)

// queueItem - один запрос в очереди реестра
type queueItem struct {
	req    *models.DataRequest
	result chan *models.DataSource
}

// RequestExecutor выполняет запрос очереди против выбранного источника.
// Реализация сама записывает исходы попыток в реестр через RecordOutcome -
// очередь учет не дублирует.
type RequestExecutor interface {
	Execute(ctx context.Context, req *models.DataRequest, src *models.DataSource) error
}

// SourceService - реестр upstream источников данных.
//
// Отвечает за:
// - Регистрацию источников и их живые показатели качества
// - Выбор лучшего источника по составной оценке
// - Очередь запросов: строго по одному, FIFO
// - Фоновое восстановление здоровья и rate limit окон
//
// Показатели мутируются только под s.mu. Ручное отключение источника
// не создает таймеров: момент восстановления хранится в самом источнике
// и применяется фоновым циклом.
type SourceService struct {
	mu      sync.Mutex
	sources  []*models.DataSource          // порядок регистрации = tie-break
	index    map[string]*models.DataSource // id -> источник
	queue    []*queueItem
	closed   bool
	executor RequestExecutor

	cfg    *config.RegistryConfig
	audit  audit.Sink
	logger *zap.Logger

	// now подменяется в тестах для управления временем
	now func() time.Time
}

// NewSourceService создает пустой реестр источников
func NewSourceService(cfg *config.RegistryConfig, sink audit.Sink, logger *zap.Logger) *SourceService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceService{
		index:  make(map[string]*models.DataSource),
		cfg:    cfg,
		audit:  sink,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetExecutor задает исполнителя запросов очереди.
// Вызывается после сборки сервисов: реестр нужен цепочке провайдеров
// как приемник исходов, поэтому исполнитель подключается вторым шагом.
func (s *SourceService) SetExecutor(exec RequestExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = exec
}

// Register добавляет источник в реестр.
// Порядок регистрации фиксируется и используется как tie-break при выборе.
func (s *SourceService) Register(src *models.DataSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[src.ID]; exists {
		return ErrDuplicateSource
	}

	if src.LastCheck.IsZero() {
		src.LastCheck = s.now()
	}
	// Источник без явных лимитов получает стартовый запас: регистрация
	// не должна давать заведомо неотбираемый источник
	if src.RateLimitRemaining <= 0 {
		if src.RateLimitDefault > 0 {
			src.RateLimitRemaining = src.RateLimitDefault
		} else {
			src.RateLimitRemaining = registerRateLimitAllowance
		}
	}
	if src.RateLimitDefault == 0 {
		src.RateLimitDefault = src.RateLimitRemaining
	}

	s.sources = append(s.sources, src)
	s.index[src.ID] = src

	metrics.UpdateSourceHealth(src.ID, src.HealthScore, src.ResponseTime)
	s.logger.Info("data source registered",
		zap.String("source", src.ID),
		zap.String("provider", src.Provider),
		zap.String("type", src.Type))

	return nil
}

// Sources возвращает снапшоты всех источников в порядке регистрации
func (s *SourceService) Sources() []models.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]models.SourceStats, 0, len(s.sources))
	for _, src := range s.sources {
		stats = append(stats, src.Stats())
	}
	return stats
}

// SelectSource выбирает лучший источник для запроса.
//
// Кандидат должен уметь обслужить запрос (CanServe) и проходить пороги
// отбора (IsSelectable). Из кандидатов берется максимальная составная
// оценка; при равных оценках побеждает зарегистрированный раньше.
//
// Возвращает nil, когда подходящих источников нет - с диагностическим
// событием аудита, объясняющим, почему каждый кандидат отброшен.
func (s *SourceService) SelectSource(req *models.DataRequest) *models.DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(req)
}

func (s *SourceService) selectLocked(req *models.DataRequest) *models.DataSource {
	var best *models.DataSource
	var bestScore float64

	for _, src := range s.sources {
		if !src.CanServe(req) {
			continue
		}
		if !src.IsSelectable() {
			continue
		}
		score := src.CompositeScore()
		// Строгое сравнение: при равенстве остается более ранний
		if best == nil || score > bestScore {
			best = src
			bestScore = score
		}
	}

	if best == nil {
		s.audit.Record(audit.LevelWarn, "source_registry", "no selectable source", map[string]interface{}{
			"request_id": req.RequestID,
			"type":       req.Type,
			"class":      string(req.Class),
			"rejected":   s.rejectionDiagnosticsLocked(req),
		})
		return nil
	}

	metrics.SourceSelections.WithLabelValues(best.ID).Inc()
	return best
}

// rejectionDiagnosticsLocked собирает по каждому источнику причину отказа
func (s *SourceService) rejectionDiagnosticsLocked(req *models.DataRequest) map[string]string {
	reasons := make(map[string]string, len(s.sources))
	for _, src := range s.sources {
		switch {
		case !src.CanServe(req):
			reasons[src.ID] = "incompatible"
		case src.HealthScore <= models.MinSelectableHealth:
			reasons[src.ID] = "unhealthy"
		case src.RateLimitRemaining <= 0:
			reasons[src.ID] = "rate_limited"
		case src.ErrorRate >= models.MaxSelectableErrors:
			reasons[src.ID] = "error_rate"
		}
	}
	return reasons
}

// RecordOutcome записывает исход запроса к источнику.
//
// Успех: successCount++, responseTime - скользящее среднее,
// health +1 (потолок 100), errorRate -0.5 (пол 0).
// Ошибка: errorCount++, health -5 (пол 0), errorRate +2 (потолок 100).
// LastCheck обновляется в обоих случаях.
func (s *SourceService) RecordOutcome(sourceID string, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.index[sourceID]
	if !ok {
		return
	}

	src.LastCheck = s.now()
	latencyMs := float64(latency.Milliseconds())

	if success {
		src.SuccessCount++
		if src.ResponseTime == 0 {
			src.ResponseTime = latencyMs
		} else {
			src.ResponseTime = (src.ResponseTime + latencyMs) / 2
		}
		src.HealthScore = clamp(src.HealthScore+healthRewardSuccess, 0, 100)
		src.ErrorRate = clamp(src.ErrorRate-errorRateReward, 0, 100)
		if src.RateLimitRemaining > 0 {
			src.RateLimitRemaining--
		}
	} else {
		src.ErrorCount++
		src.HealthScore = clamp(src.HealthScore-healthPenaltyError, 0, 100)
		src.ErrorRate = clamp(src.ErrorRate+errorRatePenalty, 0, 100)
	}

	metrics.UpdateSourceHealth(src.ID, src.HealthScore, src.ResponseTime)
}

// RecordRateLimit обновляет состояние rate limit источника по данным
// заголовков ответа. Остаток ниже порога штрафует здоровье до пола -
// источник уступает место менее загруженным.
func (s *SourceService) RecordRateLimit(sourceID string, remaining int, reset time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.index[sourceID]
	if !ok {
		return
	}

	src.RateLimitRemaining = remaining
	if !reset.IsZero() {
		src.RateLimitReset = reset
	}

	if remaining < rateLimitWarning && src.HealthScore > rateLimitHealthFloor {
		src.HealthScore = rateLimitHealthFloor
		metrics.UpdateSourceHealth(src.ID, src.HealthScore, src.ResponseTime)
	}
}

// Disable вручную отключает источник на duration.
//
// Здоровье обнуляется немедленно; момент частичного восстановления
// (до disableRestoreScore) записывается в источник и применяется
// фоновым циклом - никаких отложенных таймеров.
func (s *SourceService) Disable(sourceID string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.index[sourceID]
	if !ok {
		return ErrSourceNotFound
	}

	if duration <= 0 {
		duration = s.cfg.DisableDuration
	}

	now := s.now()
	src.HealthScore = 0
	src.RestoreAt = now.Add(duration)
	src.RestoreScore = disableRestoreScore

	metrics.UpdateSourceHealth(src.ID, 0, src.ResponseTime)
	s.audit.Record(audit.LevelWarn, "source_registry", "source disabled", map[string]interface{}{
		"source":     sourceID,
		"restore_at": src.RestoreAt,
	})

	return nil
}

// healthSweep - один проход фонового цикла восстановления на момент now.
//
// - применяет отложенные восстановления после Disable
// - восстанавливает rate limit окна, у которых прошел reset
// - медленно тянет здоровье работающих источников вверх (ниже потолка)
//
// Выделен в отдельный метод, чтобы тесты могли прогонять его
// с фабрикованным временем без реального тикера.
func (s *SourceService) healthSweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		// Отложенное восстановление после ручного отключения
		if !src.RestoreAt.IsZero() && !now.Before(src.RestoreAt) {
			if src.HealthScore < src.RestoreScore {
				src.HealthScore = src.RestoreScore
			}
			src.RestoreAt = time.Time{}
			src.RestoreScore = 0
			s.logger.Info("source partially restored", zap.String("source", src.ID))
			metrics.UpdateSourceHealth(src.ID, src.HealthScore, src.ResponseTime)
			continue
		}

		// Восстановление rate limit окна. Если момент сброса неизвестен
		// (429 без заголовков, органическое исчерпание счетчика), берется
		// консервативное окно от текущего прохода - иначе один исчерпанный
		// лимит выключил бы источник навсегда.
		if src.RateLimitRemaining <= 0 {
			if src.RateLimitReset.IsZero() {
				src.RateLimitReset = now.Add(rateLimitRecoveryWindow)
			} else if !now.Before(src.RateLimitReset) {
				src.RateLimitRemaining = src.RateLimitDefault
				src.RateLimitReset = time.Time{}
			}
		}

		// Медленный дрейф здоровья вверх: источник с затухшими проблемами
		// постепенно возвращается в отбор
		if src.RestoreAt.IsZero() && src.HealthScore < healthDriftCeiling {
			src.HealthScore = clamp(src.HealthScore+healthDriftStep, 0, healthDriftCeiling)
		}

		metrics.UpdateSourceHealth(src.ID, src.HealthScore, src.ResponseTime)
	}
}

// Enqueue ставит запрос в FIFO очередь реестра.
//
// Возвращает канал, в который после обработки будет доставлен
// обслуживший источник (или nil, если подходящих нет). Канал
// закрывается после доставки.
func (s *SourceService) Enqueue(req *models.DataRequest) (<-chan *models.DataSource, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrQueueClosed
	}

	item := &queueItem{
		req:    req,
		result: make(chan *models.DataSource, 1),
	}
	s.queue = append(s.queue, item)
	metrics.QueueDepth.Set(float64(len(s.queue)))

	return item.result, nil
}

// drainOne обрабатывает головной элемент очереди: выбирает источник,
// выполняет запрос через исполнителя и доставляет результат. Строго
// один запрос за вызов - никакой конкурентной обработки очереди.
func (s *SourceService) drainOne(ctx context.Context) bool {
	s.mu.Lock()

	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}

	item := s.queue[0]
	s.queue = s.queue[1:]
	metrics.QueueDepth.Set(float64(len(s.queue)))

	selected := s.selectLocked(item.req)
	exec := s.executor
	s.mu.Unlock()

	// Выполнение идет вне mutex'а: исполнитель пишет исходы обратно
	// в реестр через RecordOutcome/RecordRateLimit
	if selected != nil && exec != nil {
		if err := exec.Execute(ctx, item.req, selected); err != nil {
			s.logger.Warn("queued request failed",
				zap.String("request_id", item.req.RequestID),
				zap.String("source", selected.ID),
				zap.Error(err))
		}
	}

	item.result <- selected
	close(item.result)
	return true
}

// QueueDepth возвращает текущую глубину очереди
func (s *SourceService) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start запускает фоновые циклы реестра: обработчик очереди и
// восстановление здоровья. Блокируется до отмены контекста.
func (s *SourceService) Start(ctx context.Context) {
	queueTicker := time.NewTicker(s.cfg.QueueInterval)
	healthTicker := time.NewTicker(s.cfg.HealthInterval)
	defer queueTicker.Stop()
	defer healthTicker.Stop()

	s.logger.Info("source registry started",
		zap.Duration("queue_interval", s.cfg.QueueInterval),
		zap.Duration("health_interval", s.cfg.HealthInterval))

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-queueTicker.C:
			// Выгребаем все накопившееся, по одному
			for s.drainOne(ctx) {
			}
		case <-healthTicker.C:
			s.healthSweep(s.now())
		}
	}
}

// shutdown закрывает очередь и доставляет nil всем ожидающим
func (s *SourceService) shutdown() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.closed = true
	metrics.QueueDepth.Set(0)
	s.mu.Unlock()

	for _, item := range pending {
		item.result <- nil
		close(item.result)
	}

	s.logger.Info("source registry stopped", zap.Int("dropped_requests", len(pending)))
}

// clamp ограничивает значение диапазоном [lo, hi]
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
