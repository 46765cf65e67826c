package quote

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TickReader yields ticks in time order and io.EOF at the end.
type TickReader interface {
	Next() (Tick, error)
}

// Frame is every tick recorded at one instant.
type Frame struct {
	Time  time.Time
	Ticks []Tick
}

// ReplaySource serves recorded prices one frame at a time. CurrentPrice
// answers from the current frame only, so an instrument missing from a frame
// is absent for that tick.
type ReplaySource struct {
	reader TickReader

	mu      sync.RWMutex
	current Frame
	prices  map[string]decimal.Decimal
	pending *Tick
	done    bool
}

func NewReplaySource(reader TickReader) *ReplaySource {
	return &ReplaySource{reader: reader, prices: make(map[string]decimal.Decimal)}
}

// Advance loads the next frame. It returns io.EOF once the reader is drained.
// Ticks that go back in time join the current frame rather than reorder it.
func (s *ReplaySource) Advance() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Frame{}, io.EOF
	}
	var frame Frame
	if s.pending != nil {
		frame = Frame{Time: s.pending.Time, Ticks: []Tick{*s.pending}}
		s.pending = nil
	}
	for {
		tick, err := s.reader.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			return Frame{}, err
		}
		if len(frame.Ticks) == 0 {
			frame = Frame{Time: tick.Time, Ticks: []Tick{tick}}
			continue
		}
		if tick.Time.After(frame.Time) {
			t := tick
			s.pending = &t
			break
		}
		frame.Ticks = append(frame.Ticks, tick)
	}
	if len(frame.Ticks) == 0 {
		return Frame{}, io.EOF
	}
	s.current = frame
	s.prices = make(map[string]decimal.Decimal, len(frame.Ticks))
	for _, t := range frame.Ticks {
		s.prices[t.FIGI] = t.Price
	}
	return frame, nil
}

// Now returns the current frame time.
func (s *ReplaySource) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Time
}

func (s *ReplaySource) CurrentPrice(_ context.Context, figi string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[figi]
	return price, ok && price.Sign() > 0
}

// SliceReader replays ticks held in memory.
type SliceReader struct {
	ticks []Tick
	pos   int
}

func NewSliceReader(ticks []Tick) *SliceReader {
	return &SliceReader{ticks: ticks}
}

func (r *SliceReader) Next() (Tick, error) {
	if r.pos >= len(r.ticks) {
		return Tick{}, io.EOF
	}
	t := r.ticks[r.pos]
	r.pos++
	return t, nil
}
