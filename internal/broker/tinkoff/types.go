package tinkoff

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	statusOk    = "Ok"
	statusError = "Error"
)

// envelope wraps every REST response.
type envelope struct {
	TrackingID string          `json:"trackingId"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type orderbookPayload struct {
	FIGI        string           `json:"figi"`
	Depth       int              `json:"depth"`
	TradeStatus string           `json:"tradeStatus"`
	LastPrice   *decimal.Decimal `json:"lastPrice"`
	ClosePrice  *decimal.Decimal `json:"closePrice"`
}

type limitOrderRequest struct {
	Lots      int             `json:"lots"`
	Operation string          `json:"operation"`
	Price     decimal.Decimal `json:"price"`
}

type placedLimitOrder struct {
	OrderID       string `json:"orderId"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
	RejectReason  string `json:"rejectReason"`
	Message       string `json:"message"`
	RequestedLots int    `json:"requestedLots"`
	ExecutedLots  int    `json:"executedLots"`
}

type streamRequest struct {
	Event     string `json:"event"`
	FIGI      string `json:"figi"`
	Interval  string `json:"interval"`
	RequestID string `json:"request_id,omitempty"`
}

type streamEvent struct {
	Event   string          `json:"event"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type candle struct {
	FIGI     string          `json:"figi"`
	Interval string          `json:"interval"`
	Open     decimal.Decimal `json:"o"`
	Close    decimal.Decimal `json:"c"`
	High     decimal.Decimal `json:"h"`
	Low      decimal.Decimal `json:"l"`
	Volume   int64           `json:"v"`
	Time     time.Time       `json:"time"`
}

type streamError struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}
