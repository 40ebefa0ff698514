package repository

import (
	"bytes"
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

	"golang.org/x/time/rate"
)

// ErrOrderAlreadyTerminal is returned by CancelOrder when the broker
// reports the order already filled or cancelled. Callers treat it as a
// no-op success when the terminal state matches their intent.
var ErrOrderAlreadyTerminal = fmt.Errorf("order already in a terminal state")

// BrokerRepository is the order gateway contract: synchronous place,
// cancel and modify. Status changes after acceptance arrive on the push
// feed, not through these calls.
type BrokerRepository interface {
	PlaceOrder(ctx context.Context, spec dto.OrderSpec) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, req dto.ModifyOrderRequest) error
}

type brokerRepository struct {
	cfg            *config.Config
	log            *logger.Logger
	httpClient     *http.Client
	requestLimiter *rate.Limiter
}

// NewBrokerRepository creates a rate-limited HTTP client for the broker
// order gateway.
func NewBrokerRepository(cfg *config.Config, log *logger.Logger) BrokerRepository {
	maxPerMinute := cfg.Broker.MaxRequestPerMinute
	if maxPerMinute <= 0 {
		maxPerMinute = 60
	}
	secondsPerRequest := time.Minute / time.Duration(maxPerMinute)
	requestLimiter := rate.NewLimiter(rate.Every(secondsPerRequest), 1)
	return &brokerRepository{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		requestLimiter: requestLimiter,
	}
}

func (r *brokerRepository) PlaceOrder(ctx context.Context, spec dto.OrderSpec) (string, error) {
	body, err := r.sendRequest(ctx, http.MethodPost, r.cfg.Broker.BaseURL+"/orders", spec)
	if err != nil {
		return "", err
	}

	var resp dto.PlaceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode place order response: %w", err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("broker accepted order without an order id")
	}

	return resp.OrderID, nil
}

func (r *brokerRepository) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := fmt.Sprintf("%s/orders/%s", r.cfg.Broker.BaseURL, url.PathEscape(orderID))
	_, err := r.sendRequest(ctx, http.MethodDelete, endpoint, nil)
	return err
}

func (r *brokerRepository) ModifyOrder(ctx context.Context, orderID string, req dto.ModifyOrderRequest) error {
	endpoint := fmt.Sprintf("%s/orders/%s", r.cfg.Broker.BaseURL, url.PathEscape(orderID))
	_, err := r.sendRequest(ctx, http.MethodPut, endpoint, req)
	return err
}

func (r *brokerRepository) sendRequest(ctx context.Context, method, endpoint string, payload interface{}) ([]byte, error) {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Broker.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Broker.APIKey)
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

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusConflict:
		// Cancel/modify raced a fill or an earlier cancel.
		return nil, ErrOrderAlreadyTerminal
	default:
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(body)
		}
		r.log.DebugContext(ctx, "Broker gateway rejected request",
			logger.StringField("endpoint", endpoint),
			logger.IntField("status_code", resp.StatusCode),
			logger.StringField("message", apiErr.Message))
		return nil, fmt.Errorf("broker returned status %d: %s", resp.StatusCode, apiErr.Message)
	}
}
