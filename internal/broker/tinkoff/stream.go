package tinkoff

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"invest-grid/internal/safety"
)

const StreamURL = "wss://api-invest.tinkoff.ru/openapi/md/v1/md-openapi/ws"

const (
	defaultMaxAge     = 2 * time.Minute
	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

type StreamOptions struct {
	URL   string
	Token string
	FIGIs []string
	// MaxAge bounds how old a cached close may be before CurrentPrice reports it absent.
	MaxAge  time.Duration
	Breaker *safety.Breaker
	Logger  *zap.Logger
	Now     func() time.Time
}

type cached struct {
	price decimal.Decimal
	at    time.Time
}

// Stream keeps the latest one-minute candle close of every subscribed
// instrument and reconnects until its context ends.
type Stream struct {
	opts   StreamOptions
	dialer *websocket.Dialer
	log    *zap.Logger

	mu     sync.RWMutex
	prices map[string]cached
}

func NewStream(opts StreamOptions) *Stream {
	if opts.URL == "" {
		opts.URL = StreamURL
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logger,
		prices: make(map[string]cached),
	}
}

// CurrentPrice returns the cached close. A missing or stale close is absent.
func (s *Stream) CurrentPrice(_ context.Context, figi string) (decimal.Decimal, bool) {
	s.mu.RLock()
	c, ok := s.prices[figi]
	s.mu.RUnlock()
	if !ok || c.price.Sign() <= 0 {
		return decimal.Zero, false
	}
	if s.opts.Now().Sub(c.at) > s.opts.MaxAge {
		return decimal.Zero, false
	}
	return c.price, true
}

// Run connects, subscribes and reads until ctx ends. Disconnects are retried
// with capped exponential backoff; an open reconnect circuit delays the next dial.
func (s *Stream) Run(ctx context.Context) error {
	backoff := minReconnectDelay
	attempts := 0
	for {
		if err := s.opts.Breaker.Allow(safety.ActionReconnect); err != nil {
			wait := s.opts.Breaker.CooldownRemaining(safety.ActionReconnect)
			if wait < minReconnectDelay {
				wait = minReconnectDelay
			}
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		err := s.runOnce(ctx, func() {
			if attempts > 0 {
				s.log.Info("stream_reconnected", zap.Int("attempts", attempts))
			}
			attempts = 0
			backoff = minReconnectDelay
			_ = s.opts.Breaker.Record(safety.ActionReconnect, nil)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		_ = s.opts.Breaker.Record(safety.ActionReconnect, err)
		s.log.Warn("stream_disconnected", zap.Error(err), zap.Int("attempts", attempts), zap.Duration("retry_in", backoff))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxReconnectDelay {
			backoff = maxReconnectDelay
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, connected func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.opts.Token)
	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, figi := range s.opts.FIGIs {
		req := streamRequest{Event: "candle:subscribe", FIGI: figi, Interval: "1min", RequestID: figi}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", figi, err)
		}
	}
	connected()
	s.log.Info("stream_subscribed", zap.Strings("figis", s.opts.FIGIs))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(data)
	}
}

func (s *Stream) handle(data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn("stream_bad_message", zap.Error(err))
		return
	}
	switch ev.Event {
	case "candle":
		var c candle
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			s.log.Warn("stream_bad_candle", zap.Error(err))
			return
		}
		if c.FIGI == "" || c.Close.Sign() <= 0 {
			return
		}
		s.mu.Lock()
		s.prices[c.FIGI] = cached{price: c.Close, at: s.opts.Now()}
		s.mu.Unlock()
	case "error":
		var e streamError
		_ = json.Unmarshal(ev.Payload, &e)
		s.log.Warn("stream_error", zap.String("error", e.Error), zap.String("request_id", e.RequestID))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
