package service

import (
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
)

// KeyRepositoryInterface определяет интерфейс репозитория API ключей
type KeyRepositoryInterface interface {
	Create(key *models.ApiKey) error
	GetByID(id int) (*models.ApiKey, error)
	List(provider string) ([]*models.ApiKey, error)
	ListAll() ([]*models.ApiKey, error)
	Lease(provider string, now time.Time) (*models.ApiKey, error)
	MarkFailed(keyID int, failedUntil time.Time) error
	IncrementUsage(keyID int) error
	ResetDaily() (int64, error)
	CountAvailable(provider string, now time.Time) (int, error)
}

// SourceRecorder - часть реестра источников, нужная цепочке провайдеров
// для записи исходов запросов
type SourceRecorder interface {
	RecordOutcome(sourceID string, success bool, latency time.Duration)
	RecordRateLimit(sourceID string, remaining int, reset time.Time)
}
