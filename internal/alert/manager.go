// Package alert delivers important runtime events to an operator channel
// without ever blocking the trading loop.
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultQueueSize          = 128
	defaultDropReportInterval = time.Minute
	sendTimeout               = 20 * time.Second
)

type Options struct {
	Mode               string
	TradeMode          string
	QueueSize          int
	DropReportInterval time.Duration
	Logger             *zap.Logger
}

// Manager queues events and sends them from a single goroutine. When the
// queue is full new events are dropped and counted.
type Manager struct {
	opts                 Options
	notifier             Notifier
	log                  *zap.Logger
	queue                chan event
	stop                 chan struct{}
	done                 chan struct{}
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type event struct {
	name   string
	fields map[string]string
	at     time.Time
}

// NewManager returns nil when notifier is nil; a nil *Manager is a valid no-op Alerter.
func NewManager(notifier Notifier, opts Options) *Manager {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.DropReportInterval < 0 {
		opts.DropReportInterval = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		notifier: notifier,
		log:      logger,
		queue:    make(chan event, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.loop()
	if opts.DropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(name string, fields map[string]string) {
	if m == nil {
		return
	}
	ev := event{name: name, fields: cloneFields(fields), at: time.Now().UTC()}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
	default:
		total := atomic.AddUint64(&m.droppedTotal, 1)
		inWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		if inWindow == 1 {
			m.log.Warn("alert_queue_dropped",
				zap.String("target_event", name),
				zap.Uint64("dropped_total", total),
				zap.Int("queue_cap", cap(m.queue)),
			)
		}
	}
}

// Close stops accepting events and waits for the queue to drain.
func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDropped()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.DropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDropped()
		case <-m.stop:
			m.reportDropped()
			return
		}
	}
}

func (m *Manager) reportDropped() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	m.log.Warn("alert_queue_dropped_report",
		zap.Uint64("dropped_since_last", dropped),
		zap.Uint64("dropped_total", atomic.LoadUint64(&m.droppedTotal)),
		zap.Duration("report_interval", m.opts.DropReportInterval),
	)
}

func (m *Manager) droppedStats() (total, pending uint64) {
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.notifier.Notify(ctx, m.format(ev)); err != nil {
		m.log.Error("alert_notify_failed", zap.String("target_event", ev.name), zap.Error(err))
	}
}

func (m *Manager) format(ev event) string {
	lines := []string{
		"[invest-grid] " + ev.name,
		"time: " + ev.at.Format(time.RFC3339),
	}
	if m.opts.Mode != "" {
		lines = append(lines, "mode: "+m.opts.Mode)
	}
	if m.opts.TradeMode != "" {
		lines = append(lines, "trade_mode: "+m.opts.TradeMode)
	}
	keys := make([]string, 0, len(ev.fields))
	for k := range ev.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+ev.fields[k])
	}
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
