package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/internal/service"
)

// PriceServiceInterface определяет операции цепочки провайдеров,
// нужные handler'у
type PriceServiceInterface interface {
	Fetch(ctx context.Context, symbol string) (*models.PriceResult, error)
}

// PriceBroadcaster рассылает полученные цены подключенным дашбордам
type PriceBroadcaster interface {
	BroadcastPriceUpdate(symbol string, value float64, source string)
}

// PriceHandler отвечает за получение цен через цепочку провайдеров
//
// Endpoints:
// - GET /api/v1/price?symbol=BTC/USDT - текущая цена символа
type PriceHandler struct {
	priceService PriceServiceInterface
	broadcaster  PriceBroadcaster
}

// NewPriceHandler создает новый PriceHandler с внедрением зависимостей.
// broadcaster может быть nil - тогда цены не транслируются по WebSocket.
func NewPriceHandler(priceService PriceServiceInterface, broadcaster PriceBroadcaster) *PriceHandler {
	return &PriceHandler{priceService: priceService, broadcaster: broadcaster}
}

// GetPrice возвращает текущую цену символа.
//
// GET /api/v1/price?symbol=EUR/USD
//
// Символ передается query параметром, потому что forex символы
// содержат "/" и ломают path сегменты.
//
// HTTP коды:
// - 200 OK: цена получена, в ответе источник и время
// - 400 Bad Request: символ не указан
// - 503 Service Unavailable: все провайдеры исчерпаны
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		respondWithError(w, http.StatusBadRequest, "Query parameter 'symbol' is required")
		return
	}

	result, err := h.priceService.Fetch(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, service.ErrAllSourcesExhausted) {
			respondWithError(w, http.StatusServiceUnavailable, "All providers exhausted for "+symbol)
			return
		}
		if errors.Is(err, service.ErrEmptySymbol) {
			respondWithError(w, http.StatusBadRequest, "Symbol cannot be empty")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch price: "+err.Error())
		return
	}

	if h.broadcaster != nil {
		h.broadcaster.BroadcastPriceUpdate(result.Symbol, result.Value, result.Source)
	}

	respondWithJSON(w, http.StatusOK, result)
}
