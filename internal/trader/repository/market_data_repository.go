package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang-hma-trader/internal/trader/config"
	"golang-hma-trader/internal/trader/dto"
	"golang-hma-trader/pkg/logger"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// MarketDataRepository is the quote/indicator gateway contract. Failures are
// per-symbol; callers skip the failing instrument and continue the cycle.
type MarketDataRepository interface {
	GetQuote(ctx context.Context, symbol string) (*dto.Quote, error)
	GetIndicator(ctx context.Context, symbol string) (*dto.IndicatorValue, error)
}

type marketDataRepository struct {
	cfg            *config.Config
	log            *logger.Logger
	httpClient     *http.Client
	requestLimiter *rate.Limiter
	inmemoryCache  *cache.Cache
}

// NewMarketDataRepository creates a rate-limited HTTP client for the
// quote/indicator gateway. A short-TTL cache keeps one cycle from fetching
// the same symbol twice.
func NewMarketDataRepository(cfg *config.Config, log *logger.Logger) MarketDataRepository {
	maxPerMinute := cfg.MarketData.MaxRequestPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	secondsPerRequest := time.Minute / time.Duration(maxPerMinute)
	requestLimiter := rate.NewLimiter(rate.Every(secondsPerRequest), 1)

	cacheTTL, err := time.ParseDuration(cfg.MarketData.QuoteCacheTTL)
	if err != nil || cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}

	return &marketDataRepository{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		requestLimiter: requestLimiter,
		inmemoryCache:  cache.New(cacheTTL, time.Minute),
	}
}

func (r *marketDataRepository) GetQuote(ctx context.Context, symbol string) (*dto.Quote, error) {
	cacheKey := "quote:" + symbol
	if cached, found := r.inmemoryCache.Get(cacheKey); found {
		quote := cached.(dto.Quote)
		return &quote, nil
	}

	endpoint := fmt.Sprintf("%s/quotes/%s", r.cfg.MarketData.BaseURL, url.PathEscape(symbol))
	body, err := r.sendRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}

	var quote dto.Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote for %s: %w", symbol, err)
	}
	quote.Symbol = symbol

	r.inmemoryCache.Set(cacheKey, quote, cache.DefaultExpiration)
	return &quote, nil
}

func (r *marketDataRepository) GetIndicator(ctx context.Context, symbol string) (*dto.IndicatorValue, error) {
	cacheKey := "indicator:" + symbol
	if cached, found := r.inmemoryCache.Get(cacheKey); found {
		value := cached.(dto.IndicatorValue)
		return &value, nil
	}

	endpoint := fmt.Sprintf("%s/indicators/hma/%s", r.cfg.MarketData.BaseURL, url.PathEscape(symbol))
	body, err := r.sendRequest(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch indicator for %s: %w", symbol, err)
	}

	var value dto.IndicatorValue
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("failed to decode indicator for %s: %w", symbol, err)
	}
	value.Symbol = symbol

	r.inmemoryCache.Set(cacheKey, value, cache.DefaultExpiration)
	return &value, nil
}

func (r *marketDataRepository) sendRequest(ctx context.Context, endpoint string) ([]byte, error) {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		r.log.DebugContext(ctx, "Market data gateway returned non-200",
			logger.StringField("endpoint", endpoint),
			logger.IntField("status_code", resp.StatusCode))
		return nil, fmt.Errorf("market data gateway returned status %d", resp.StatusCode)
	}

	return body, nil
}
