package quote

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeClient struct {
	price decimal.Decimal
	err   error
	delay time.Duration
}

func (f fakeClient) LastPrice(ctx context.Context, _ string) (decimal.Decimal, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	return f.price, f.err
}

func TestBrokerSource(t *testing.T) {
	ok := NewBrokerSource(fakeClient{price: decimal.RequireFromString("271.45")}, nil)
	price, found := ok.CurrentPrice(context.Background(), "A")
	if !found || !price.Equal(decimal.RequireFromString("271.45")) {
		t.Fatalf("CurrentPrice() = %s, %v, want 271.45", price, found)
	}
	failing := NewBrokerSource(fakeClient{err: errors.New("boom")}, nil)
	if _, found := failing.CurrentPrice(context.Background(), "A"); found {
		t.Fatalf("CurrentPrice() found = true on error, want absent")
	}
	zero := NewBrokerSource(fakeClient{}, nil)
	if _, found := zero.CurrentPrice(context.Background(), "A"); found {
		t.Fatalf("CurrentPrice() found = true for zero price, want absent")
	}
}

func TestTimeoutReportsAbsent(t *testing.T) {
	slow := NewBrokerSource(fakeClient{price: decimal.NewFromInt(1), delay: time.Second}, nil)
	src := WithTimeout(slow, 20*time.Millisecond)
	start := time.Now()
	if _, found := src.CurrentPrice(context.Background(), "A"); found {
		t.Fatalf("CurrentPrice() found = true, want timeout absent")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("CurrentPrice() took %s, want bounded by timeout", elapsed)
	}
	fast := WithTimeout(Static{"A": decimal.NewFromInt(7)}, time.Second)
	if price, found := fast.CurrentPrice(context.Background(), "A"); !found || !price.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("CurrentPrice() = %s, %v, want 7", price, found)
	}
	if _, isTimeout := WithTimeout(Static{}, 0).(Timeout); isTimeout {
		t.Fatalf("WithTimeout(0) wrapped the source")
	}
}

func TestJSONLFeedReadsDirectoryInOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("b.jsonl", `{"time":"2025-03-01T10:01:00Z","figi":"A","price":"101"}`+"\n")
	write("a.jsonl", `{"ts":1740823200,"figi":"A","name":"Sber","price":100.5}
not json
{"time":"2025-03-01T10:00:30Z","figi":"A"}
{"time":"2025-03-01T10:00:30Z","price":"1"}
{"time":"2025-03-01T10:00:30Z","figi":"A","price":"-1"}

`)
	write("notes.txt", "ignored")

	feed, err := NewJSONLFeed(dir, nil)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer feed.Close()

	first, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if first.FIGI != "A" || first.Name != "Sber" || !first.Price.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("Next() = %+v", first)
	}
	if !first.Time.Equal(time.Unix(1740823200, 0)) {
		t.Fatalf("Next().Time = %s", first.Time)
	}
	second, err := feed.Next()
	if err != nil || !second.Price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("Next() = %+v, %v, want price 101", second, err)
	}
	if _, err := feed.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next() error = %v, want EOF", err)
	}
	if feed.Skipped() != 4 {
		t.Fatalf("Skipped() = %d, want 4", feed.Skipped())
	}
}

func TestJSONLFeedEmptyDirectory(t *testing.T) {
	if _, err := NewJSONLFeed(t.TempDir(), nil); err == nil {
		t.Fatalf("NewJSONLFeed(empty dir) error = nil, want error")
	}
}

func TestWriterRoundTripsThroughFeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotes", "day.jsonl")
	w, err := OpenJSONLWriter(path)
	if err != nil {
		t.Fatalf("OpenJSONLWriter() error = %v", err)
	}
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	want := Tick{Time: at, FIGI: "BBG004730N88", Name: "Sberbank", Price: decimal.RequireFromString("271.45")}
	if err := w.Write(want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	feed, err := NewJSONLFeed(path, nil)
	if err != nil {
		t.Fatalf("NewJSONLFeed() error = %v", err)
	}
	defer feed.Close()
	got, err := feed.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !got.Time.Equal(want.Time) || got.FIGI != want.FIGI || got.Name != want.Name || !got.Price.Equal(want.Price) {
		t.Fatalf("Next() = %+v, want %+v", got, want)
	}
}

func TestReplaySourceFrames(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	src := NewReplaySource(NewSliceReader([]Tick{
		{Time: t0, FIGI: "A", Price: decimal.NewFromInt(100)},
		{Time: t0, FIGI: "B", Price: decimal.NewFromInt(50)},
		{Time: t1, FIGI: "A", Price: decimal.NewFromInt(98)},
	}))
	ctx := context.Background()

	frame, err := src.Advance()
	if err != nil || len(frame.Ticks) != 2 || !frame.Time.Equal(t0) {
		t.Fatalf("Advance() = %+v, %v, want two ticks at t0", frame, err)
	}
	if price, ok := src.CurrentPrice(ctx, "B"); !ok || !price.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("CurrentPrice(B) = %s, %v, want 50", price, ok)
	}

	frame, err = src.Advance()
	if err != nil || len(frame.Ticks) != 1 || !src.Now().Equal(t1) {
		t.Fatalf("Advance() = %+v, %v, want one tick at t1", frame, err)
	}
	if price, ok := src.CurrentPrice(ctx, "A"); !ok || !price.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("CurrentPrice(A) = %s, %v, want 98", price, ok)
	}
	if _, ok := src.CurrentPrice(ctx, "B"); ok {
		t.Fatalf("CurrentPrice(B) ok = true, want absent outside its frame")
	}
	if _, err := src.Advance(); !errors.Is(err, io.EOF) {
		t.Fatalf("Advance() error = %v, want EOF", err)
	}
}
