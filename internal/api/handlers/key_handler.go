package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/service"
)

// KeyServiceInterface определяет операции сервиса ключей, нужные handler'у
type KeyServiceInterface interface {
	GetKeyStats() ([]models.KeyStats, error)
	GetAvailableKeys(provider string) ([]models.KeyStats, error)
	AddKey(provider, secret string, dailyQuota *int) (*models.ApiKey, error)
	MarkKeyFailed(keyID int, provider string, backoff time.Duration) error
	ResetFailedFlags() (int64, error)
}

// KeyHandler отвечает за администрирование пула API ключей
//
// Endpoints:
// - GET /api/v1/keys - статистика всех ключей (секреты маскированы)
// - GET /api/v1/keys/{provider} - доступные сейчас ключи провайдера
// - POST /api/v1/keys - добавление нового ключа
// - POST /api/v1/keys/{id}/fail - ручная пометка ключа упавшим
// - POST /api/v1/keys/reset - ежедневный сброс счетчиков и backoff'ов
type KeyHandler struct {
	keyService KeyServiceInterface
}

// NewKeyHandler создает новый KeyHandler с внедрением зависимости
func NewKeyHandler(keyService KeyServiceInterface) *KeyHandler {
	return &KeyHandler{keyService: keyService}
}

// GetKeysResponse представляет ответ статистики ключей
type GetKeysResponse struct {
	Keys  []models.KeyStats `json:"keys"`
	Total int               `json:"total"`
}

// GetKeys возвращает статистику всех ключей.
// Секреты в ответе всегда маскированы.
//
// GET /api/v1/keys
func (h *KeyHandler) GetKeys(w http.ResponseWriter, r *http.Request) {
	stats, err := h.keyService.GetKeyStats()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get key stats: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetKeysResponse{Keys: stats, Total: len(stats)})
}

// GetProviderKeys возвращает доступные сейчас ключи провайдера
//
// GET /api/v1/keys/{provider}
func (h *KeyHandler) GetProviderKeys(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	stats, err := h.keyService.GetAvailableKeys(provider)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to get keys: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, GetKeysResponse{Keys: stats, Total: len(stats)})
}

// AddKeyRequest представляет тело запроса добавления ключа
type AddKeyRequest struct {
	Provider   string `json:"provider"`
	Key        string `json:"key"`
	DailyQuota *int   `json:"daily_quota,omitempty"`
}

// AddKey добавляет новый ключ в пул
//
// POST /api/v1/keys
//
// HTTP коды:
// - 201 Created: ключ добавлен, возвращается маскированная статистика
// - 400 Bad Request: невалидное тело или неподдерживаемый провайдер
func (h *KeyHandler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req AddKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key, err := h.keyService.AddKey(req.Provider, req.Key, req.DailyQuota)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedProvider) {
			respondWithError(w, http.StatusBadRequest, "Unsupported provider: "+req.Provider)
			return
		}
		respondWithError(w, http.StatusBadRequest, "Failed to add key: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusCreated, key.Stats(time.Now().UTC()))
}

// MarkFailedRequest представляет тело запроса пометки ключа упавшим
type MarkFailedRequest struct {
	Provider       string `json:"provider"`
	BackoffSeconds int    `json:"backoff_seconds"`
}

// MarkFailed вручную помечает ключ упавшим на заданное окно
//
// POST /api/v1/keys/{id}/fail
func (h *KeyHandler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid key id")
		return
	}

	var req MarkFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	backoff := time.Duration(req.BackoffSeconds) * time.Second
	if err := h.keyService.MarkKeyFailed(id, req.Provider, backoff); err != nil {
		respondWithError(w, http.StatusBadRequest, "Failed to mark key: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Key marked as failed"})
}

// ResetKeysResponse представляет ответ сброса счетчиков
type ResetKeysResponse struct {
	Message      string `json:"message"`
	KeysAffected int64  `json:"keys_affected"`
}

// ResetKeys сбрасывает дневные счетчики и backoff окна всех ключей
//
// POST /api/v1/keys/reset
func (h *KeyHandler) ResetKeys(w http.ResponseWriter, r *http.Request) {
	affected, err := h.keyService.ResetFailedFlags()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to reset keys: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, ResetKeysResponse{
		Message:      "Daily counters reset",
		KeysAffected: affected,
	})
}
