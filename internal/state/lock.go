package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// staleLockAge is how old a lock may get before another run takes it over.
const staleLockAge = 30 * time.Minute

// LockInfo is written into the lock file so a blocked run can say who holds
// the state.
type LockInfo struct {
	ID      string    `json:"id"`
	Holder  string    `json:"holder"`
	PID     int       `json:"pid"`
	Created time.Time `json:"created"`
}

func newLockInfo() LockInfo {
	host, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	return LockInfo{
		ID:      uuid.NewString(),
		Holder:  user + "@" + host,
		PID:     os.Getpid(),
		Created: time.Now().UTC(),
	}
}

// ErrLocked reports a state held by another run.
var ErrLocked = errors.New("state is locked by another process")

// Lock takes the lock file next to the state. A lock older than
// staleLockAge is considered abandoned and replaced.
func (m *Manager) Lock(ctx context.Context) error {
	path := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if info, err := os.Stat(path); err == nil && time.Since(info.ModTime()) > staleLockAge {
		os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		if held, rerr := readLockInfo(path); rerr == nil {
			return fmt.Errorf("%w: held by %s (pid %d) since %s; remove %s if that run is gone",
				ErrLocked, held.Holder, held.PID, held.Created.Format(time.RFC3339), path)
		}
		return fmt.Errorf("%w: lock file %s", ErrLocked, path)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	info := newLockInfo()
	if err := json.NewEncoder(f).Encode(info); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	m.lockID = info.ID
	return nil
}

// Unlock removes the lock if this manager holds it.
func (m *Manager) Unlock(ctx context.Context) error {
	if m.lockID == "" {
		return nil
	}
	path := m.lockPath()
	if held, err := readLockInfo(path); err == nil && held.ID != m.lockID {
		m.lockID = ""
		return fmt.Errorf("lock %s was taken over by %s", path, held.Holder)
	}
	m.lockID = ""
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func readLockInfo(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("malformed lock file %s: %w", path, err)
	}
	return info, nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
