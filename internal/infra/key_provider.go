package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	keyFileName = ".store.key"
	keySize     = 32 // SQLCipher raw key, 256 bits
)

// KeyFile keeps the store encryption key in a hidden hex-encoded file
// readable only by its owner.
type KeyFile struct {
	path string
}

// NewKeyFile returns the key file location inside dataDir.
func NewKeyFile(dataDir string) *KeyFile {
	return &KeyFile{path: filepath.Join(dataDir, keyFileName)}
}

// Path returns the key file location.
func (k *KeyFile) Path() string {
	return k.path
}

// Load reads and validates the stored key.
func (k *KeyFile) Load() ([]byte, error) {
	encoded, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// Store writes key with 0600 permissions, creating the directory if needed.
func (k *KeyFile) Store(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	return writeFileAtomic(k.path, []byte(hex.EncodeToString(key)), 0600, nil)
}

// Ensure returns the stored key, generating and storing one on first use.
func (k *KeyFile) Ensure() ([]byte, error) {
	key, err := k.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := k.Store(key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}
