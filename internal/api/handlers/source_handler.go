package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/provider"
	"github.com/ayemen28191/Bot.v4-sub000/internal/service"
)

// SourceServiceInterface определяет операции реестра, нужные handler'у
type SourceServiceInterface interface {
	Sources() []models.SourceStats
	Disable(sourceID string, duration time.Duration) error
	Enqueue(req *models.DataRequest) (<-chan *models.DataSource, error)
}

// SourceHandler отвечает за мониторинг и управление источниками данных
//
// Endpoints:
// - GET /api/v1/sources - снапшот показателей всех источников
// - GET /api/v1/data - запрос данных через очередь реестра
// - POST /api/v1/sources/{id}/disable - ручное отключение источника
type SourceHandler struct {
	sourceService SourceServiceInterface
}

// NewSourceHandler создает новый SourceHandler с внедрением зависимости
func NewSourceHandler(sourceService SourceServiceInterface) *SourceHandler {
	return &SourceHandler{sourceService: sourceService}
}

// GetSourcesResponse представляет ответ снапшота источников
type GetSourcesResponse struct {
	Sources []models.SourceStats `json:"sources"`
	Total   int                  `json:"total"`
}

// GetSources возвращает показатели всех зарегистрированных источников
//
// GET /api/v1/sources
func (h *SourceHandler) GetSources(w http.ResponseWriter, r *http.Request) {
	stats := h.sourceService.Sources()
	respondWithJSON(w, http.StatusOK, GetSourcesResponse{Sources: stats, Total: len(stats)})
}

// DataResponse представляет итог обработки запроса очередью реестра
type DataResponse struct {
	RequestID string `json:"request_id"`
	Symbol    string `json:"symbol"`
	Type      string `json:"type"`
	Source    string `json:"source"`
}

// RequestData ставит запрос в очередь реестра и ждет обработки.
// Очередь строго последовательная: запрос выполняется против лучшего
// совместимого источника, исход попадает в его показатели.
//
// GET /api/v1/data?symbol=BTC/USDT&type=price
//
// HTTP коды:
// - 200 OK: запрос обслужен, в ответе обслуживший источник
// - 400 Bad Request: символ не указан или тип не поддерживается
// - 503 Service Unavailable: нет совместимого источника или очередь закрыта
func (h *SourceHandler) RequestData(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondWithError(w, http.StatusBadRequest, "Query parameter 'symbol' is required")
		return
	}

	reqType := r.URL.Query().Get("type")
	if reqType == "" {
		reqType = models.RequestTypePrice
	}
	switch reqType {
	case models.RequestTypePrice, models.RequestTypeIndicators, models.RequestTypeHistorical:
	default:
		respondWithError(w, http.StatusBadRequest, "Unsupported request type: "+reqType)
		return
	}

	req := &models.DataRequest{
		RequestID: fmt.Sprintf("req-%d", time.Now().UnixNano()),
		Symbol:    symbol,
		Type:      reqType,
		Timeframe: r.URL.Query().Get("timeframe"),
		Class:     provider.Classify(symbol),
	}

	result, err := h.sourceService.Enqueue(req)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "Request queue unavailable: "+err.Error())
		return
	}

	select {
	case src := <-result:
		if src == nil {
			respondWithError(w, http.StatusServiceUnavailable, "No compatible source available for "+symbol)
			return
		}
		respondWithJSON(w, http.StatusOK, DataResponse{
			RequestID: req.RequestID,
			Symbol:    symbol,
			Type:      reqType,
			Source:    src.ID,
		})
	case <-r.Context().Done():
		respondWithError(w, http.StatusGatewayTimeout, "Request timed out in queue")
	}
}

// DisableSourceRequest представляет тело запроса отключения источника
type DisableSourceRequest struct {
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// DisableSource вручную отключает источник.
// Здоровье обнуляется немедленно, частичное восстановление произойдет
// автоматически после истечения окна.
//
// POST /api/v1/sources/{id}/disable
//
// HTTP коды:
// - 200 OK: источник отключен
// - 404 Not Found: источник не зарегистрирован
func (h *SourceHandler) DisableSource(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["id"]

	var req DisableSourceRequest
	if r.Body != nil {
		// Пустое тело допустимо - используется длительность по умолчанию
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := h.sourceService.Disable(sourceID, duration); err != nil {
		if errors.Is(err, service.ErrSourceNotFound) {
			respondWithError(w, http.StatusNotFound, "Source not found: "+sourceID)
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to disable source: "+err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Source disabled"})
}
