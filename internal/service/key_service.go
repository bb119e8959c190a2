package service

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ayemen28191/Bot.v4-sub000/internal/audit"
	"github.com/ayemen28191/Bot.v4-sub000/internal/config"
	"github.com/ayemen28191/Bot.v4-sub000/internal/metrics"
	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/repository"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/utils"
)

// Ошибки сервиса ключей
var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
)

// leaseRetries - сколько раз повторить лизинг при конфликте сериализации БД
const leaseRetries = 3

// fallbackState - in-memory состояние ротации fallback ключей одного
// провайдера. Fallback ключи приходят из окружения, в БД не хранятся,
// поэтому квоты и backoff для них считаются в памяти процесса.
type fallbackState struct {
	next        int         // указатель round-robin
	usage       []int       // использований за текущие сутки по индексу ключа
	failedUntil []time.Time // окно недоступности по индексу ключа
	day         time.Time   // начало суток UTC, к которым относится usage
}

// KeyService предоставляет бизнес-логику управления пулом API ключей.
//
// Отвечает за:
// - Атомарную выдачу ключей (лизинг) из БД
// - Fallback на статические ключи из окружения при исчерпании пула
// - Пометку ключей упавшими с окном backoff
// - Ежедневный сброс счетчиков использования
// - Статистику пула с маскированными секретами
//
// Исчерпание пула - штатная ситуация, не сбой: GetKeyForProvider
// возвращает (nil, nil), вызывающий код идет к следующему провайдеру.
type KeyService struct {
	repo      KeyRepositoryInterface
	providers *config.ProvidersConfig
	audit     audit.Sink
	logger    *zap.Logger

	mu       sync.Mutex
	fallback map[string]*fallbackState

	// now подменяется в тестах для управления временем
	now func() time.Time
}

// NewKeyService создает новый экземпляр KeyService
func NewKeyService(repo KeyRepositoryInterface, providers *config.ProvidersConfig, sink audit.Sink, logger *zap.Logger) *KeyService {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyService{
		repo:      repo,
		providers: providers,
		audit:     sink,
		logger:    logger,
		fallback:  make(map[string]*fallbackState),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetAvailableKeys возвращает статистику доступных сейчас ключей провайдера.
//
// Пустое имя провайдера - невалидный вход: событие аудита и пустой список,
// не ошибка. Вызывающий код (админский API) отдаст пустой массив.
func (s *KeyService) GetAvailableKeys(provider string) ([]models.KeyStats, error) {
	if err := utils.ValidateProvider(provider); err != nil {
		s.audit.Record(audit.LevelWarn, "key_service", "rejected empty provider", nil)
		return []models.KeyStats{}, nil
	}

	keys, err := s.repo.List(provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := make([]models.KeyStats, 0, len(keys))
	for _, key := range keys {
		if key.IsAvailable(now) {
			stats = append(stats, key.Stats(now))
		}
	}

	metrics.KeysAvailable.WithLabelValues(provider).Set(float64(len(stats)))
	return stats, nil
}

// PickNextKey выдает следующий доступный ключ провайдера из БД.
//
// Лизинг атомарен: выбор кандидата и инкремент usage_today происходят
// в одной транзакции репозитория. Конфликт сериализации повторяется
// до leaseRetries раз.
//
// Возвращает (nil, nil), когда пул исчерпан - это не ошибка.
func (s *KeyService) PickNextKey(provider string) (*models.ApiKey, error) {
	if err := utils.ValidateProvider(provider); err != nil {
		return nil, err
	}
	if !models.IsSupportedProvider(provider) {
		return nil, ErrUnsupportedProvider
	}

	var lastErr error
	for attempt := 0; attempt < leaseRetries; attempt++ {
		key, err := s.repo.Lease(provider, s.now())
		if err == nil {
			metrics.RecordLease(provider, "leased")
			return key, nil
		}
		if errors.Is(err, repository.ErrNoKeyAvailable) {
			metrics.RecordLease(provider, "exhausted")
			s.audit.Record(audit.LevelWarn, "key_service", "key pool exhausted", map[string]interface{}{
				"provider": provider,
			})
			return nil, nil
		}
		if !repository.IsSerializationFailure(err) {
			metrics.RecordLease(provider, "error")
			return nil, err
		}
		lastErr = err
	}

	metrics.RecordLease(provider, "error")
	return nil, lastErr
}

// GetKeyForProvider выдает ключ для запроса к провайдеру.
//
// Порядок:
// 1. Лизинг из БД (PickNextKey)
// 2. При исчерпании пула - fallback ключи из окружения, round-robin
// 3. Когда нет и fallback ключей - (nil, nil)
func (s *KeyService) GetKeyForProvider(provider string) (*models.LeasedKey, error) {
	key, err := s.PickNextKey(provider)
	if err != nil {
		return nil, err
	}
	if key != nil {
		return &models.LeasedKey{
			Key:    key.Key,
			KeyID:  key.ID,
			Source: models.KeySourceDatabase,
		}, nil
	}

	if lease := s.pickFallbackKey(provider); lease != nil {
		metrics.RecordLease(provider, "fallback")
		return lease, nil
	}

	return nil, nil
}

// pickFallbackKey выбирает следующий доступный fallback ключ провайдера.
//
// Round-robin с учетом квоты и backoff: ключ пропускается, если его окно
// недоступности не прошло или дневная квота исчерпана. Квота fallback
// ключей равна DefaultDailyQuota провайдера (0 = без лимита).
func (s *KeyService) pickFallbackKey(provider string) *models.LeasedKey {
	cfg := s.providers.Provider(provider)
	if len(cfg.FallbackKeys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state := s.fallbackStateLocked(provider, len(cfg.FallbackKeys), now)

	for i := 0; i < len(cfg.FallbackKeys); i++ {
		idx := state.next % len(cfg.FallbackKeys)
		state.next++

		if now.Before(state.failedUntil[idx]) {
			continue
		}
		if cfg.DefaultDailyQuota > 0 && state.usage[idx] >= cfg.DefaultDailyQuota {
			continue
		}

		state.usage[idx]++
		return &models.LeasedKey{
			Key:    cfg.FallbackKeys[idx],
			KeyID:  0,
			Source: models.KeySourceFallback,
		}
	}

	return nil
}

// fallbackStateLocked возвращает состояние ротации провайдера, создавая его
// при первом обращении и сбрасывая счетчики на границе суток UTC.
// Вызывается строго под s.mu.
func (s *KeyService) fallbackStateLocked(provider string, keyCount int, now time.Time) *fallbackState {
	state, ok := s.fallback[provider]
	if !ok || len(state.usage) != keyCount {
		state = &fallbackState{
			usage:       make([]int, keyCount),
			failedUntil: make([]time.Time, keyCount),
			day:         utils.GetDayStartFrom(now),
		}
		s.fallback[provider] = state
		return state
	}

	if !utils.SameDay(state.day, now) {
		state.day = utils.GetDayStartFrom(now)
		for i := range state.usage {
			state.usage[i] = 0
			state.failedUntil[i] = time.Time{}
		}
	}

	return state
}

// MarkKeyFailed помечает ключ БД упавшим на окно backoff.
//
// Ключ исключается из выдачи, пока now < failed_until. Несуществующий
// ключ - no-op с записью в лог: гонка между пометкой и удалением ключа
// не должна ронять запрос.
func (s *KeyService) MarkKeyFailed(keyID int, provider string, backoff time.Duration) error {
	if err := utils.ValidateKeyID(keyID); err != nil {
		return err
	}
	if err := utils.ValidateBackoff(backoff); err != nil {
		return err
	}

	failedUntil := s.now().Add(backoff)
	err := s.repo.MarkFailed(keyID, failedUntil)
	if errors.Is(err, repository.ErrKeyNotFound) {
		s.logger.Warn("mark failed: key not found, skipping",
			zap.Int("key_id", keyID),
			zap.String("provider", provider))
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordKeyFailure(provider)
	s.audit.Record(audit.LevelWarn, "key_service", "key marked as failed", map[string]interface{}{
		"key_id":       keyID,
		"provider":     provider,
		"failed_until": failedUntil,
	})

	return nil
}

// MarkLeaseFailed помечает выданный ключ упавшим независимо от его источника.
// Для fallback ключей окно недоступности считается в памяти процесса.
func (s *KeyService) MarkLeaseFailed(provider string, lease *models.LeasedKey, backoff time.Duration) error {
	if lease == nil {
		return nil
	}
	if lease.Source == models.KeySourceDatabase {
		return s.MarkKeyFailed(lease.KeyID, provider, backoff)
	}

	if err := utils.ValidateBackoff(backoff); err != nil {
		return err
	}

	cfg := s.providers.Provider(provider)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state := s.fallbackStateLocked(provider, len(cfg.FallbackKeys), now)
	for idx, key := range cfg.FallbackKeys {
		if key == lease.Key {
			state.failedUntil[idx] = now.Add(backoff)
			metrics.RecordKeyFailure(provider)
			break
		}
	}

	return nil
}

// IncrementUsage увеличивает счетчик использования ключа БД.
// Для путей, где лизинг (и его инкремент) не использовался.
func (s *KeyService) IncrementUsage(keyID int) error {
	if err := utils.ValidateKeyID(keyID); err != nil {
		return err
	}
	return s.repo.IncrementUsage(keyID)
}

// ResetFailedFlags сбрасывает usage_today и failed_until у всех ключей БД
// и дневные счетчики fallback ротации. Вызывается планировщиком в полночь UTC
// либо вручную из админки.
func (s *KeyService) ResetFailedFlags() (int64, error) {
	affected, err := s.repo.ResetDaily()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, state := range s.fallback {
		for i := range state.usage {
			state.usage[i] = 0
			state.failedUntil[i] = time.Time{}
		}
	}
	s.mu.Unlock()

	s.audit.Record(audit.LevelInfo, "key_service", "daily key reset", map[string]interface{}{
		"keys_affected": affected,
	})

	return affected, nil
}

// GetKeyStats возвращает статистику всех ключей с маскированными секретами
func (s *KeyService) GetKeyStats() ([]models.KeyStats, error) {
	keys, err := s.repo.ListAll()
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := make([]models.KeyStats, 0, len(keys))
	for _, key := range keys {
		stats = append(stats, key.Stats(now))
	}

	return stats, nil
}

// AddKey добавляет новый ключ в пул (административная операция).
// Квота по умолчанию берется из конфигурации провайдера.
func (s *KeyService) AddKey(provider, secret string, dailyQuota *int) (*models.ApiKey, error) {
	if err := utils.ValidateProvider(provider); err != nil {
		return nil, err
	}
	if !models.IsSupportedProvider(provider) {
		return nil, ErrUnsupportedProvider
	}
	if err := utils.ValidateKeyValue(secret); err != nil {
		return nil, err
	}

	if dailyQuota == nil {
		if q := s.providers.Provider(provider).DefaultDailyQuota; q > 0 {
			dailyQuota = &q
		}
	}

	key := &models.ApiKey{
		Key:        secret,
		Provider:   provider,
		DailyQuota: dailyQuota,
	}

	if err := s.repo.Create(key); err != nil {
		return nil, err
	}

	s.audit.Record(audit.LevelInfo, "key_service", "key added", map[string]interface{}{
		"key_id":   key.ID,
		"provider": provider,
		"key":      key.MaskedKey(),
	})

	return key, nil
}
