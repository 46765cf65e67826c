package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeStatus is the process state written next to the ledger so
// operators can inspect a running or crashed bot.
type RuntimeStatus struct {
	Mode        string    `json:"mode"`
	TradeMode   string    `json:"trade_mode"`
	Storage     string    `json:"storage"`
	Instruments []string  `json:"instruments"`
	Halted      []string  `json:"halted,omitempty"`
	PID         int       `json:"pid"`
	State       string    `json:"state"`
	Ticks       int64     `json:"ticks"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	LastError   string    `json:"last_error,omitempty"`
}

type StatusFile struct {
	path string
	log  *zap.Logger
	mu   sync.Mutex
}

func NewStatusFile(dir string, logger *zap.Logger) (*StatusFile, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusFile{path: filepath.Join(dir, "runtime_status.json"), log: logger}, nil
}

func (f *StatusFile) Save(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.log, f.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	})
}

func (f *StatusFile) Load() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}
