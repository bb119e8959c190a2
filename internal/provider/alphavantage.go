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

const defaultAlphaVantageURL = "https://www.alphavantage.co"

// AlphaVantage - адаптер котировок акций Alpha Vantage.
// Бесплатный тариф: 25 запросов в день, лимит приходит с HTTP 200
// и полем Note/Information в теле.
type AlphaVantage struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.RateLimiter
}

// NewAlphaVantage создает адаптер с фиксированным таймаутом запроса
func NewAlphaVantage(timeout time.Duration) *AlphaVantage {
	return &AlphaVantage{
		baseURL: defaultAlphaVantageURL,
		client:  &http.Client{Timeout: timeout},
		// 5 запросов в минуту
		limiter: ratelimit.NewRateLimiter(5.0/60.0, 5),
	}
}

// Name возвращает имя провайдера
func (a *AlphaVantage) Name() string { return models.ProviderAlphaVantage }

// Class возвращает класс обслуживаемых символов
func (a *AlphaVantage) Class() models.ProviderClass { return models.ClassEquity }

// RequiresKey - все запросы требуют apikey
func (a *AlphaVantage) RequiresKey() bool { return true }

// alphaVantageQuote - ответ GLOBAL_QUOTE.
// Note/Information появляются вместо данных при исчерпании лимита.
type alphaVantageQuote struct {
	GlobalQuote struct {
		Price string `json:"05. price"`
	} `json:"Global Quote"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
}

// FetchPrice запрашивает текущую котировку акции ("AAPL", "MSFT")
func (a *AlphaVantage) FetchPrice(ctx context.Context, symbol, apiKey string) (float64, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, NetworkFailure(a.Name(), err)
	}

	reqURL := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s",
		a.baseURL, url.QueryEscape(symbol), url.QueryEscape(apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, NetworkFailure(a.Name(), err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, NetworkFailure(a.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, NetworkFailure(a.Name(), err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, RateLimited(a.Name(), fmt.Errorf("http 429: %s", body))
	}
	if resp.StatusCode >= 500 {
		return 0, NetworkFailure(a.Name(), fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, MalformedResponse(a.Name(), fmt.Errorf("http %d: %s", resp.StatusCode, body))
	}

	var payload alphaVantageQuote
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, MalformedResponse(a.Name(), err)
	}

	// Vendor envelope: дневной лимит приходит с HTTP 200
	if payload.Note != "" || payload.Information != "" {
		return 0, RateLimited(a.Name(), fmt.Errorf("daily limit: %s%s", payload.Note, payload.Information))
	}
	if payload.ErrorMessage != "" {
		return 0, MalformedResponse(a.Name(), fmt.Errorf("api error: %s", payload.ErrorMessage))
	}

	if payload.GlobalQuote.Price == "" {
		return 0, MalformedResponse(a.Name(), fmt.Errorf("empty quote for %s", symbol))
	}

	price, err := strconv.ParseFloat(payload.GlobalQuote.Price, 64)
	if err != nil {
		return 0, MalformedResponse(a.Name(), err)
	}

	return price, nil
}
