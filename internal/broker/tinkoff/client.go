// Package tinkoff talks to the Tinkoff Invest OpenAPI: last prices and
// limit orders over REST, candles over the market-data WebSocket.
package tinkoff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/core"
)

const (
	ProductionURL = "https://api-invest.tinkoff.ru/openapi"
	SandboxURL    = "https://api-invest.tinkoff.ru/openapi/sandbox"
)

type Options struct {
	Token     string
	AccountID string
	BaseURL   string
	Timeout   time.Duration
	Logger    *zap.Logger
}

type Client struct {
	token      string
	accountID  string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("tinkoff api token required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = ProductionURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		token:      opts.Token,
		accountID:  opts.AccountID,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		log:        opts.Logger,
	}, nil
}

// LastPrice returns the last traded price from the order book, falling back
// to the close price outside trading hours.
func (c *Client) LastPrice(ctx context.Context, figi string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("figi", figi)
	params.Set("depth", "1")
	payload, err := c.do(ctx, http.MethodGet, "/market/orderbook", params, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var book orderbookPayload
	if err := json.Unmarshal(payload, &book); err != nil {
		return decimal.Zero, fmt.Errorf("decode orderbook: %w", err)
	}
	switch {
	case book.LastPrice != nil && book.LastPrice.Sign() > 0:
		return *book.LastPrice, nil
	case book.ClosePrice != nil && book.ClosePrice.Sign() > 0:
		return *book.ClosePrice, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, figi)
}

// PlaceLimitOrder mirrors one grid order as a single-lot limit order and
// returns the broker's order id.
func (c *Client) PlaceLimitOrder(ctx context.Context, order core.Order) (string, error) {
	if !order.Side.Valid() || order.Price.Sign() <= 0 || order.InstrumentID == "" {
		return "", fmt.Errorf("%w: cannot mirror order %s", core.ErrInvalidOrder, order.ID)
	}
	params := url.Values{}
	params.Set("figi", order.InstrumentID)
	body := limitOrderRequest{Lots: 1, Operation: operation(order.Side), Price: order.Price}
	payload, err := c.do(ctx, http.MethodPost, "/orders/limit-order", params, body)
	if err != nil {
		return "", err
	}
	var placed placedLimitOrder
	if err := json.Unmarshal(payload, &placed); err != nil {
		return "", fmt.Errorf("decode limit order: %w", err)
	}
	if placed.Status == "Rejected" {
		reason := placed.RejectReason
		if reason == "" {
			reason = placed.Message
		}
		return placed.OrderID, fmt.Errorf("%w: %s", ErrOrderRejected, reason)
	}
	if placed.OrderID == "" {
		return "", fmt.Errorf("%w: empty order id", ErrOrderRejected)
	}
	c.log.Info("broker_order_placed",
		zap.String("order_id", order.ID),
		zap.String("broker_id", placed.OrderID),
		zap.String("figi", order.InstrumentID),
		zap.String("side", string(order.Side)),
		zap.String("price", order.Price.String()),
		zap.String("status", placed.Status),
	)
	return placed.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, brokerID string) error {
	if brokerID == "" {
		return fmt.Errorf("%w: empty broker id", core.ErrOrderNotFound)
	}
	params := url.Values{}
	params.Set("orderId", brokerID)
	_, err := c.do(ctx, http.MethodPost, "/orders/cancel", params, nil)
	if err != nil {
		return err
	}
	c.log.Info("broker_order_cancelled", zap.String("broker_id", brokerID))
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	if c.accountID != "" && strings.HasPrefix(path, "/orders") {
		params.Set("brokerAccountId", c.accountID)
	}
	urlStr := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		urlStr += "?" + encoded
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var env envelope
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode/100 != 2 || env.Status == statusError {
		apiErr := APIError{HTTPStatus: resp.StatusCode, TrackingID: env.TrackingID}
		var payload errorPayload
		if decodeErr == nil && json.Unmarshal(env.Payload, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return nil, classify(apiErr)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	return env.Payload, nil
}

func operation(side core.Side) string {
	if side == core.Buy {
		return "Buy"
	}
	return "Sell"
}
