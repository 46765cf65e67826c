package quote

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONLWriter appends ticks in the format JSONLFeed reads.
type JSONLWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func OpenJSONLWriter(path string) (*JSONLWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(file)
	return &JSONLWriter{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *JSONLWriter) Write(t Tick) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(t); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
