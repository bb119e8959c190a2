package handlers

import (
	"context"
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
)

// ============ Mock KeyService ============

type MockKeyService struct {
	stats     []models.KeyStats
	available []models.KeyStats
	addedKey  *models.ApiKey
	affected  int64

	statsErr error
	addErr   error
	markErr  error
	resetErr error

	markFailedCalls []int
}

func (m *MockKeyService) GetKeyStats() ([]models.KeyStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.stats, nil
}

func (m *MockKeyService) GetAvailableKeys(provider string) ([]models.KeyStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	return m.available, nil
}

func (m *MockKeyService) AddKey(provider, secret string, dailyQuota *int) (*models.ApiKey, error) {
	if m.addErr != nil {
		return nil, m.addErr
	}
	if m.addedKey != nil {
		return m.addedKey, nil
	}
	return &models.ApiKey{ID: 1, Key: secret, Provider: provider, DailyQuota: dailyQuota}, nil
}

func (m *MockKeyService) MarkKeyFailed(keyID int, provider string, backoff time.Duration) error {
	if m.markErr != nil {
		return m.markErr
	}
	m.markFailedCalls = append(m.markFailedCalls, keyID)
	return nil
}

func (m *MockKeyService) ResetFailedFlags() (int64, error) {
	if m.resetErr != nil {
		return 0, m.resetErr
	}
	return m.affected, nil
}

// ============ Mock SourceService ============

type MockSourceService struct {
	sources  []models.SourceStats
	queueSrc *models.DataSource

	disableErr error
	enqueueErr error

	disableCalls []string
	enqueued     []*models.DataRequest
}

func (m *MockSourceService) Sources() []models.SourceStats {
	return m.sources
}

func (m *MockSourceService) Disable(sourceID string, duration time.Duration) error {
	if m.disableErr != nil {
		return m.disableErr
	}
	m.disableCalls = append(m.disableCalls, sourceID)
	return nil
}

func (m *MockSourceService) Enqueue(req *models.DataRequest) (<-chan *models.DataSource, error) {
	if m.enqueueErr != nil {
		return nil, m.enqueueErr
	}
	m.enqueued = append(m.enqueued, req)
	result := make(chan *models.DataSource, 1)
	result <- m.queueSrc
	close(result)
	return result, nil
}

// ============ Mock PriceService ============

type MockPriceService struct {
	result *models.PriceResult
	err    error

	fetchedSymbols []string
}

func (m *MockPriceService) Fetch(ctx context.Context, symbol string) (*models.PriceResult, error) {
	m.fetchedSymbols = append(m.fetchedSymbols, symbol)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// ============ Mock PriceBroadcaster ============

type broadcastCall struct {
	symbol string
	value  float64
	source string
}

type MockBroadcaster struct {
	calls []broadcastCall
}

func (m *MockBroadcaster) BroadcastPriceUpdate(symbol string, value float64, source string) {
	m.calls = append(m.calls, broadcastCall{symbol: symbol, value: value, source: source})
}
