package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrLocked means another process owns the data directory.
var ErrLocked = errors.New("data dir locked")

const lockFileName = "gridbot.lock"

// Lock guards a data directory against a second writer.
type Lock struct {
	path string
	file *os.File
}

type LockOptions struct {
	// Takeover allows replacing a lock whose owner is gone or which is older than StaleAfter.
	Takeover   bool
	StaleAfter time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
}

type lockOwner struct {
	pid       int
	host      string
	startedAt time.Time
}

func AcquireLock(dir string, opts LockOptions) (*Lock, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFileName)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for attempt := 0; attempt < 3; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := writeOwner(f, now().UTC()); err != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			return &Lock{path: path, file: f}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if !opts.Takeover {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		stale, reason, err := lockIsStale(path, now().UTC(), opts.StaleAfter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s (stale check: %v)", ErrLocked, path, err)
		}
		if !stale {
			return nil, fmt.Errorf("%w: %s (%s)", ErrLocked, path, reason)
		}
		log.Warn("lock_takeover", zap.String("path", path), zap.String("reason", reason))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, path)
}

func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	if l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeOwner(f *os.File, now time.Time) error {
	host, _ := os.Hostname()
	var b strings.Builder
	b.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n")
	b.WriteString("host=" + host + "\n")
	b.WriteString("started_at=" + now.Format(time.RFC3339) + "\n")
	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}

func lockIsStale(path string, now time.Time, staleAfter time.Duration) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lock_disappeared", nil
		}
		return false, "", err
	}
	owner, err := parseOwner(data)
	if err != nil {
		return false, "", err
	}
	localHost, _ := os.Hostname()
	if owner.pid > 0 && (owner.host == "" || owner.host == localHost) {
		if processAlive(owner.pid) {
			return false, "owner_running", nil
		}
		return true, "owner_gone", nil
	}
	if owner.startedAt.IsZero() {
		return false, "owner_unknown", nil
	}
	if staleAfter > 0 && now.Sub(owner.startedAt) >= staleAfter {
		return true, "lock_expired", nil
	}
	return false, "lock_fresh", nil
}

func parseOwner(data []byte) (lockOwner, error) {
	var owner lockOwner
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				owner.pid = pid
			}
		case "host":
			owner.host = value
		case "started_at":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				owner.startedAt = ts.UTC()
			}
		}
	}
	return owner, sc.Err()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM still means the pid exists under another user.
	return errors.Is(err, syscall.EPERM)
}
