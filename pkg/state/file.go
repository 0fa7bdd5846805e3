package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentbus-dev/agentbus/agent"
)

// ErrInvalidPathComponent is returned when an agent id contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store using one blob file per agent id.
// Storage layout:
//
//	~/.agentbus/state/
//	  └── <agent-type>/
//	      └── <agent-key>.bin
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed state store.
// If baseDir is empty, uses ~/.agentbus/state.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".agentbus", "state")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) path(id agent.ID) (string, error) {
	if err := validatePathComponent(id.Type); err != nil {
		return "", fmt.Errorf("invalid agent type: %w", err)
	}
	if err := validatePathComponent(id.Key); err != nil {
		return "", fmt.Errorf("invalid agent key: %w", err)
	}
	return filepath.Join(f.baseDir, id.Type, id.Key+".bin"), nil
}

// Save upserts the blob for an agent id.
func (f *FileStore) Save(ctx context.Context, id agent.ID, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	path, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create agent directory: %w", err)
	}

	// Write-then-rename keeps readers from observing partial blobs.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Load retrieves the blob for an agent id.
func (f *FileStore) Load(ctx context.Context, id agent.ID) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	path, err := f.path(id)
	if err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(path) // #nosec G304 - path components validated to prevent traversal
	if os.IsNotExist(err) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	return blob, nil
}

// Delete removes the blob for an agent id.
func (f *FileStore) Delete(ctx context.Context, id agent.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	path, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Close marks the store closed; further operations fail ErrStoreClosed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
