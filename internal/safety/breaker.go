// Package safety stops hammering the broker after repeated failures.
package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"invest-grid/internal/alert"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type Action string

const (
	ActionPlace     Action = "place_order"
	ActionCancel    Action = "cancel_order"
	ActionReconnect Action = "stream_reconnect"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultCooldown       = 30 * time.Second
	defaultProbeSuccesses = 1
)

type Options struct {
	Enabled              bool
	MaxPlaceFailures     int
	MaxCancelFailures    int
	MaxReconnectFailures int
	// Cooldown is how long an open circuit rejects calls before one probe is let through.
	Cooldown       time.Duration
	ProbeSuccesses int
	Logger         *zap.Logger
	Alerter        alert.Alerter
	Now            func() time.Time
}

type circuit struct {
	maxFailures int
	failures    int
	state       State
	openedAt    time.Time
	openErr     error
	probes      int
}

// Breaker keeps one circuit per Action. A nil or disabled Breaker allows everything.
type Breaker struct {
	enabled  bool
	cooldown time.Duration
	probes   int
	log      *zap.Logger
	alerter  alert.Alerter
	now      func() time.Time

	mu       sync.Mutex
	circuits map[Action]*circuit
}

func NewBreaker(opts Options) *Breaker {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.ProbeSuccesses < 1 {
		opts.ProbeSuccesses = defaultProbeSuccesses
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		enabled:  opts.Enabled,
		cooldown: opts.Cooldown,
		probes:   opts.ProbeSuccesses,
		log:      opts.Logger,
		alerter:  opts.Alerter,
		now:      opts.Now,
		circuits: map[Action]*circuit{
			ActionPlace:     {maxFailures: opts.MaxPlaceFailures, state: StateClosed},
			ActionCancel:    {maxFailures: opts.MaxCancelFailures, state: StateClosed},
			ActionReconnect: {maxFailures: opts.MaxReconnectFailures, state: StateClosed},
		},
	}
}

// Allow reports whether a call for action may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and lets the call through as a probe.
func (b *Breaker) Allow(action Action) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.state != StateOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		b.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrCircuitOpen, action)
		}
		return err
	}
	c.state = StateHalfOpen
	c.probes = 0
	c.openErr = nil
	b.mu.Unlock()
	b.log.Info("circuit_breaker_half_open", zap.String("action", string(action)), zap.Duration("cooldown", b.cooldown))
	b.notify("circuit_breaker_half_open", map[string]string{"action": string(action)})
	return nil
}

// Record feeds the outcome of one call. It returns a non-nil error wrapping
// ErrCircuitOpen when the circuit is (or just became) open.
func (b *Breaker) Record(action Action, err error) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	c := b.circuits[action]
	if c == nil || c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}
	if err == nil {
		prevFailures, prevState := c.failures, c.state
		recovered := false
		switch c.state {
		case StateHalfOpen:
			c.probes++
			if c.probes >= b.probes {
				recovered = true
				*c = circuit{maxFailures: c.maxFailures, state: StateClosed}
			}
		case StateClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered {
			b.log.Info("circuit_breaker_recovered",
				zap.String("action", string(action)),
				zap.Int("previous_consecutive_failures", prevFailures),
				zap.String("from_state", string(prevState)),
			)
			if prevState != StateClosed {
				b.notify("circuit_breaker_recovered", map[string]string{
					"action":     string(action),
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case StateOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case StateHalfOpen:
		openErr := b.tripLocked(action, c, err, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(action, c.maxFailures, err, "half_open_probe_failed")
		return openErr
	}

	c.failures++
	failures, limit := c.failures, c.maxFailures
	if failures < limit {
		b.mu.Unlock()
		if limit > 1 && failures == limit-1 {
			b.log.Warn("circuit_breaker_near_trip",
				zap.String("action", string(action)),
				zap.Int("consecutive_failures", failures),
				zap.Int("threshold", limit),
				zap.Error(err),
			)
		}
		return nil
	}
	openErr := b.tripLocked(action, c, err, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(action, failures, err, "consecutive_failures")
	return openErr
}

func (b *Breaker) State(action Action) State {
	if b == nil {
		return StateClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.circuits[action]; c != nil {
		return c.state
	}
	return StateClosed
}

func (b *Breaker) CooldownRemaining(action Action) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.circuits[action]
	if c == nil || c.state != StateOpen {
		return 0
	}
	if rem := b.cooldown - b.now().Sub(c.openedAt); rem > 0 {
		return rem
	}
	return 0
}

func (b *Breaker) tripLocked(action Action, c *circuit, err error, reason string) error {
	c.state = StateOpen
	c.openedAt = b.now()
	c.probes = 0
	c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, action, c.failures, b.cooldown, reason, err)
	return c.openErr
}

func (b *Breaker) reportTrip(action Action, failures int, err error, reason string) {
	b.log.Error("circuit_breaker_trip",
		zap.String("action", string(action)),
		zap.Int("consecutive_failures", failures),
		zap.String("reason", reason),
		zap.Error(err),
	)
	b.notify("circuit_breaker_trip", map[string]string{
		"action":               string(action),
		"consecutive_failures": strconv.Itoa(failures),
		"reason":               reason,
		"last_error":           err.Error(),
	})
}

func (b *Breaker) notify(event string, fields map[string]string) {
	if b.alerter != nil {
		b.alerter.Important(event, fields)
	}
}
