package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/ratelimit"
)

const defaultTwelveDataURL = "https://api.twelvedata.com"

// TwelveData - адаптер агрегатора TwelveData (forex, частично crypto/акции).
// Требует API ключ; бесплатный тариф жестко лимитирован по кредитам в день.
type TwelveData struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.RateLimiter
}

// NewTwelveData создает адаптер с фиксированным таймаутом запроса
func NewTwelveData(timeout time.Duration) *TwelveData {
	return &TwelveData{
		baseURL: defaultTwelveDataURL,
		client:  &http.Client{Timeout: timeout},
		// 8 запросов в минуту на бесплатном тарифе
		limiter: ratelimit.NewRateLimiter(8.0/60.0, 8),
	}
}

// Name возвращает имя провайдера
func (t *TwelveData) Name() string { return models.ProviderTwelveData }

// Class возвращает класс обслуживаемых символов
func (t *TwelveData) Class() models.ProviderClass { return models.ClassForex }

// RequiresKey - все запросы требуют apikey
func (t *TwelveData) RequiresKey() bool { return true }

// twelveDataPrice - ответ /price. При ошибке API возвращает envelope
// с полями code/message/status вместо цены (HTTP статус при этом 200).
type twelveDataPrice struct {
	Price   string `json:"price"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// FetchPrice запрашивает текущую цену символа ("EUR/USD", "BTC/USD")
func (t *TwelveData) FetchPrice(ctx context.Context, symbol, apiKey string) (float64, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, NetworkFailure(t.Name(), err)
	}

	reqURL := fmt.Sprintf("%s/price?symbol=%s&apikey=%s",
		t.baseURL, url.QueryEscape(symbol), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, NetworkFailure(t.Name(), err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, NetworkFailure(t.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, NetworkFailure(t.Name(), err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, RateLimited(t.Name(), fmt.Errorf("http 429: %s", body))
	}
	if resp.StatusCode >= 500 {
		return 0, NetworkFailure(t.Name(), fmt.Errorf("http %d", resp.StatusCode))
	}

	var payload twelveDataPrice
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, MalformedResponse(t.Name(), err)
	}

	// Vendor envelope: исчерпание кредитов приходит с HTTP 200 и code=429
	if payload.Status == "error" || payload.Code != 0 {
		if payload.Code == http.StatusTooManyRequests {
			return 0, RateLimited(t.Name(), fmt.Errorf("api credits exhausted: %s", payload.Message))
		}
		return 0, MalformedResponse(t.Name(), fmt.Errorf("api error %d: %s", payload.Code, payload.Message))
	}

	if payload.Price == "" {
		return 0, MalformedResponse(t.Name(), fmt.Errorf("empty price for %s", symbol))
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, MalformedResponse(t.Name(), err)
	}

	return price, nil
}
