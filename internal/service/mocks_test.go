package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/provider"
	"github.com/ayemen28191/Bot.v4-sub000/internal/repository"
)

// ============ Mock KeyRepository ============

type MockKeyRepository struct {
	mu     sync.Mutex
	keys   map[int]*models.ApiKey
	nextID int

	leaseErr error
	listErr  error

	markFailedCalls []int
}

func NewMockKeyRepository() *MockKeyRepository {
	return &MockKeyRepository{
		keys:   make(map[int]*models.ApiKey),
		nextID: 1,
	}
}

// addKey - тестовый помощник прямой загрузки ключа в хранилище
func (m *MockKeyRepository) addKey(key *models.ApiKey) *models.ApiKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	key.ID = m.nextID
	m.nextID++
	m.keys[key.ID] = key
	return key
}

func (m *MockKeyRepository) Create(key *models.ApiKey) error {
	m.addKey(key)
	return nil
}

func (m *MockKeyRepository) GetByID(id int) (*models.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, repository.ErrKeyNotFound
	}
	copied := *key
	return &copied, nil
}

func (m *MockKeyRepository) List(provider string) ([]*models.ApiKey, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.ApiKey
	for _, key := range m.keys {
		if key.Provider == provider {
			copied := *key
			result = append(result, &copied)
		}
	}
	sortKeys(result)
	return result, nil
}

func (m *MockKeyRepository) ListAll() ([]*models.ApiKey, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.ApiKey
	for _, key := range m.keys {
		copied := *key
		result = append(result, &copied)
	}
	sortKeys(result)
	return result, nil
}

// Lease воспроизводит семантику репозитория: кандидат проходит фильтр
// доступности, порядок - наименьший usage, затем самый давний last_used_at,
// инкремент происходит в том же вызове.
func (m *MockKeyRepository) Lease(provider string, now time.Time) (*models.ApiKey, error) {
	if m.leaseErr != nil {
		return nil, m.leaseErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*models.ApiKey
	for _, key := range m.keys {
		if key.Provider != provider {
			continue
		}
		if key.FailedUntil != nil && now.Before(*key.FailedUntil) {
			continue
		}
		if key.DailyQuota != nil && key.UsageToday >= *key.DailyQuota {
			continue
		}
		candidates = append(candidates, key)
	}

	if len(candidates) == 0 {
		return nil, repository.ErrNoKeyAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].UsageToday != candidates[j].UsageToday {
			return candidates[i].UsageToday < candidates[j].UsageToday
		}
		li, lj := candidates[i].LastUsedAt, candidates[j].LastUsedAt
		if (li == nil) != (lj == nil) {
			return li == nil
		}
		if li != nil && !li.Equal(*lj) {
			return li.Before(*lj)
		}
		return candidates[i].ID < candidates[j].ID
	})

	leased := candidates[0]
	leased.UsageToday++
	usedAt := now
	leased.LastUsedAt = &usedAt
	leased.UpdatedAt = now

	copied := *leased
	return &copied, nil
}

func (m *MockKeyRepository) MarkFailed(keyID int, failedUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return repository.ErrKeyNotFound
	}
	key.FailedUntil = &failedUntil
	m.markFailedCalls = append(m.markFailedCalls, keyID)
	return nil
}

func (m *MockKeyRepository) IncrementUsage(keyID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[keyID]
	if !ok {
		return repository.ErrKeyNotFound
	}
	key.UsageToday++
	return nil
}

func (m *MockKeyRepository) ResetDaily() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.keys {
		key.UsageToday = 0
		key.FailedUntil = nil
	}
	return int64(len(m.keys)), nil
}

func (m *MockKeyRepository) CountAvailable(provider string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, key := range m.keys {
		if key.Provider == provider && key.IsAvailable(now) {
			count++
		}
	}
	return count, nil
}

func sortKeys(keys []*models.ApiKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].ID < keys[j].ID
	})
}

// ============ Mock Adapter ============

// mockAdapter - адаптер провайдера со сценарием ответов: каждый вызов
// FetchPrice потребляет следующий элемент results.
type mockAdapter struct {
	name        string
	class       models.ProviderClass
	requiresKey bool

	mu      sync.Mutex
	results []mockResult
	calls   []mockCall
}

type mockResult struct {
	value float64
	err   error
}

type mockCall struct {
	symbol string
	apiKey string
}

func newMockAdapter(name string, class models.ProviderClass, requiresKey bool) *mockAdapter {
	return &mockAdapter{name: name, class: class, requiresKey: requiresKey}
}

func (m *mockAdapter) Name() string                { return m.name }
func (m *mockAdapter) Class() models.ProviderClass { return m.class }
func (m *mockAdapter) RequiresKey() bool           { return m.requiresKey }

func (m *mockAdapter) respond(value float64, err error) *mockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, mockResult{value: value, err: err})
	return m
}

func (m *mockAdapter) FetchPrice(ctx context.Context, symbol, apiKey string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockCall{symbol: symbol, apiKey: apiKey})

	if len(m.results) == 0 {
		return 0, provider.NetworkFailure(m.name, context.DeadlineExceeded)
	}
	next := m.results[0]
	m.results = m.results[1:]
	return next.value, next.err
}

func (m *mockAdapter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ============ Mock SourceRecorder ============

type recordedOutcome struct {
	sourceID string
	success  bool
	latency  time.Duration
}

type mockRecorder struct {
	mu        sync.Mutex
	outcomes  []recordedOutcome
	rateLimit []string
}

func (m *mockRecorder) RecordOutcome(sourceID string, success bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, recordedOutcome{sourceID, success, latency})
}

func (m *mockRecorder) RecordRateLimit(sourceID string, remaining int, reset time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimit = append(m.rateLimit, sourceID)
}

// ============ Capture audit sink ============

type auditEvent struct {
	level   string
	source  string
	message string
	meta    map[string]interface{}
}

type captureSink struct {
	mu     sync.Mutex
	events []auditEvent
}

func (s *captureSink) Record(level, source, message string, meta map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, auditEvent{level, source, message, meta})
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *captureSink) last() *auditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	event := s.events[len(s.events)-1]
	return &event
}
