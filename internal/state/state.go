// Package state persists deployment state locally or in S3.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/privacydam/deploy/internal/ir"
)

// CurrentVersion is the state file format version.
const CurrentVersion = 1

// Manager handles reading and writing of state in a local file.
type Manager struct {
	path   string
	lockID string // set while this manager holds the lock
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Read loads the state from the configured path.
// If the state file is encrypted, it is transparently decrypted before loading.
func (m *Manager) Read(ctx context.Context) (*ir.State, error) {
	raw, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", m.path, err)
	}

	state, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load state from %s: %w", m.path, err)
	}
	return state, nil
}

// Write saves the state to the configured path through a temporary file.
// If PRIVACYDAM_STATE_ENCRYPTION_KEY is set, the file is encrypted.
func (m *Manager) Write(ctx context.Context, state *ir.State) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	content, err := Encode(state)
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state file %s: %w", m.path, err)
	}
	return nil
}

// Location describes where the state lives.
func (m *Manager) Location() string {
	return m.path
}

// Empty returns a fresh state with a new lineage.
func Empty() *ir.State {
	return &ir.State{
		Version: CurrentVersion,
		Lineage: uuid.NewString(),
	}
}

// Encode renders state as indented JSON, encrypted when a key is configured.
func Encode(state *ir.State) ([]byte, error) {
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	if state.Version == 0 {
		state.Version = CurrentVersion
	}
	content, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	content = append(content, '\n')

	encrypted, err := EncryptState(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt state: %w", err)
	}
	return encrypted, nil
}

// Decode is the inverse of Encode.
func Decode(raw []byte) (*ir.State, error) {
	content, err := DecryptState(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state: %w", err)
	}

	var state ir.State
	if err := json.Unmarshal(content, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}
	if state.Version > CurrentVersion {
		return nil, fmt.Errorf("state version %d is newer than supported version %d", state.Version, CurrentVersion)
	}
	return &state, nil
}
