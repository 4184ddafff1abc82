package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/aurakai/oracledrive/internal/domain"
)

// FileSettings implements domain.SettingsStore as a JSON object on disk.
// Writers take an exclusive flock on a sibling lock file so separate CLI
// invocations do not lose counter updates.
type FileSettings struct {
	path string
}

// NewFileSettings stores settings at path.
func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

// Path returns the settings file location.
func (s *FileSettings) Path() string {
	return s.path
}

// GetInt returns the value under key, 0 if unset.
func (s *FileSettings) GetInt(key string) (int, error) {
	v, err := s.GetInt64(key)
	return int(v), err
}

// PutInt stores value under key.
func (s *FileSettings) PutInt(key string, value int) error {
	return s.PutInt64(key, int64(value))
}

// GetInt64 returns the value under key, 0 if unset.
func (s *FileSettings) GetInt64(key string) (int64, error) {
	values, err := s.read()
	if err != nil {
		return 0, err
	}
	return values[key], nil
}

// PutInt64 stores value under key.
func (s *FileSettings) PutInt64(key string, value int64) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("%w: create settings directory: %v", domain.ErrStorage, err)
	}

	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", domain.ErrStorage, err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("%w: acquire lock: %v", domain.ErrStorage, err)
	}
	defer func() { _ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN) }()

	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = value

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode settings: %v", domain.ErrStorage, err)
	}
	if err := writeFileAtomic(s.path, data, 0600, nil); err != nil {
		return fmt.Errorf("%w: write settings: %v", domain.ErrStorage, err)
	}
	return nil
}

func (s *FileSettings) read() (map[string]int64, error) {
	values := make(map[string]int64)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read settings: %v", domain.ErrStorage, err)
	}
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: decode settings: %v", domain.ErrStorage, err)
	}
	return values, nil
}

// MemorySettings implements domain.SettingsStore in memory.
type MemorySettings struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemorySettings creates an empty settings store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{values: make(map[string]int64)}
}

func (s *MemorySettings) GetInt(key string) (int, error) {
	v, err := s.GetInt64(key)
	return int(v), err
}

func (s *MemorySettings) PutInt(key string, value int) error {
	return s.PutInt64(key, int64(value))
}

func (s *MemorySettings) GetInt64(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemorySettings) PutInt64(key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

var _ domain.SettingsStore = (*FileSettings)(nil)
var _ domain.SettingsStore = (*MemorySettings)(nil)
