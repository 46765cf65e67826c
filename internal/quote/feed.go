package quote

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Tick is one recorded quote.
type Tick struct {
	Time  time.Time       `json:"time"`
	FIGI  string          `json:"figi"`
	Name  string          `json:"name,omitempty"`
	Price decimal.Decimal `json:"price"`
}

// JSONLFeed reads ticks from a .jsonl file or from every .jsonl file of a
// directory in name order. Lines without a time, instrument or positive
// price are skipped.
type JSONLFeed struct {
	paths   []string
	index   int
	file    *os.File
	scanner *bufio.Scanner
	line    int
	skipped int
	log     *zap.Logger
}

func NewJSONLFeed(path string, logger *zap.Logger) (*JSONLFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := &JSONLFeed{paths: paths, log: logger}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

// Skipped reports how many malformed lines were ignored so far.
func (f *JSONLFeed) Skipped() int { return f.skipped }

func (f *JSONLFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

// Next returns the next tick or io.EOF after the last file.
func (f *JSONLFeed) Next() (Tick, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return Tick{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return Tick{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return Tick{}, io.EOF
			}
			continue
		}
		f.line++
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		tick, err := parseTick(line)
		if err != nil {
			f.skipped++
			f.log.Debug("replay_line_skipped",
				zap.String("file", f.paths[f.index]),
				zap.Int("line", f.line),
				zap.Error(err),
			)
			continue
		}
		return tick, nil
	}
}

// tickLine accepts the field spellings of both recorders: time|ts|timestamp,
// figi|instrument and price|close.
type tickLine struct {
	Time       json.RawMessage `json:"time"`
	TS         json.RawMessage `json:"ts"`
	Timestamp  json.RawMessage `json:"timestamp"`
	FIGI       string          `json:"figi"`
	Instrument string          `json:"instrument"`
	Name       string          `json:"name"`
	Price      json.RawMessage `json:"price"`
	Close      json.RawMessage `json:"close"`
}

func parseTick(line string) (Tick, error) {
	var raw tickLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Tick{}, err
	}
	ts, err := decodeTime(firstSet(raw.Time, raw.TS, raw.Timestamp))
	if err != nil {
		return Tick{}, err
	}
	figi := strings.TrimSpace(raw.FIGI)
	if figi == "" {
		figi = strings.TrimSpace(raw.Instrument)
	}
	if figi == "" {
		return Tick{}, errors.New("missing figi")
	}
	price, err := decodePrice(firstSet(raw.Price, raw.Close))
	if err != nil {
		return Tick{}, err
	}
	return Tick{Time: ts.UTC(), FIGI: figi, Name: raw.Name, Price: price}, nil
}

func (f *JSONLFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)
	f.file = file
	f.scanner = scanner
	f.line = 0
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no .jsonl files in %s", path)
	}
	return paths, nil
}

func firstSet(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}

// unquote returns the contents of a JSON string or the raw number text.
func unquote(raw json.RawMessage) (string, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	return strings.TrimSpace(string(raw)), nil
}

// decodeTime reads RFC 3339 text or a unix timestamp in seconds or
// milliseconds, quoted or not.
func decodeTime(raw json.RawMessage) (time.Time, error) {
	if raw == nil {
		return time.Time{}, errors.New("missing time")
	}
	text, err := unquote(raw)
	if err != nil || text == "" {
		return time.Time{}, fmt.Errorf("bad time %s", raw)
	}
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		v := int64(n)
		if v >= 1_000_000_000_000 {
			return time.UnixMilli(v), nil
		}
		return time.Unix(v, 0), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad time %q", text)
}

func decodePrice(raw json.RawMessage) (decimal.Decimal, error) {
	if raw == nil {
		return decimal.Zero, errors.New("missing price")
	}
	text, err := unquote(raw)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q", text)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("price %s not positive", price)
	}
	return price, nil
}
