package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adbfleet/adbfleet/internal/device"
)

// FileStore keeps the device set in a single JSON document. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated state file behind.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("empty state file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Save(devices map[string]*device.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device state: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write device state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace device state: %w", err)
	}
	return nil
}

func (f *FileStore) Load() (map[string]*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]*device.Device{}, nil
		}
		return nil, fmt.Errorf("read device state: %w", err)
	}
	out := make(map[string]*device.Device)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode device state: %w", err)
	}
	return out, nil
}
