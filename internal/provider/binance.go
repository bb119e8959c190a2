package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ayemen28191/Bot.v4-sub000/internal/models"
	"github.com/ayemen28191/Bot.v4-sub000/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultBinanceURL = "https://api.binance.com"

// Binance - адаптер публичного REST API биржи Binance.
// Цены спотовых пар доступны без API ключа.
type Binance struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.RateLimiter
}

// NewBinance создает адаптер с фиксированным таймаутом запроса
func NewBinance(timeout time.Duration) *Binance {
	return &Binance{
		baseURL: defaultBinanceURL,
		client:  &http.Client{Timeout: timeout},
		limiter: ratelimit.NewRateLimiter(20, 40),
	}
}

// Name возвращает имя провайдера
func (b *Binance) Name() string { return models.ProviderBinance }

// Class возвращает класс обслуживаемых символов
func (b *Binance) Class() models.ProviderClass { return models.ClassCrypto }

// RequiresKey - публичные ценовые endpoint'ы ключа не требуют
func (b *Binance) RequiresKey() bool { return false }

// binanceTicker - ответ /api/v3/ticker/price
type binanceTicker struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrice запрашивает текущую цену спотовой пары.
// Символ нормализуется к формату биржи: "BTC/USDT" -> "BTCUSDT".
func (b *Binance) FetchPrice(ctx context.Context, symbol, apiKey string) (float64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, NetworkFailure(b.Name(), err)
	}

	normalized := strings.ToUpper(strings.ReplaceAll(symbol, "/", ""))
	reqURL := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, url.QueryEscape(normalized))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, NetworkFailure(b.Name(), err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, NetworkFailure(b.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, NetworkFailure(b.Name(), err)
	}

	// 429 - rate limit, 418 - бан за игнорирование 429
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		return 0, RateLimited(b.Name(), fmt.Errorf("http %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode >= 500 {
		return 0, NetworkFailure(b.Name(), fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return 0, MalformedResponse(b.Name(), fmt.Errorf("http %d: %s", resp.StatusCode, body))
	}

	var ticker binanceTicker
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, MalformedResponse(b.Name(), err)
	}
	if ticker.Price == "" {
		return 0, MalformedResponse(b.Name(), fmt.Errorf("empty price for %s", normalized))
	}

	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, MalformedResponse(b.Name(), err)
	}

	return price, nil
}
