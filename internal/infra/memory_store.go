package infra

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aurakai/oracledrive/internal/domain"
)

// MemoryStore implements domain.SandboxStore for the lifetime of the process.
// The registry is an immutable slice behind an atomic pointer: readers load
// it without locking, writers build a replacement under mu and swap it in.
type MemoryStore struct {
	mu       sync.Mutex
	registry atomic.Pointer[[]domain.SandboxEnvironment]
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	empty := []domain.SandboxEnvironment{}
	s.registry.Store(&empty)
	return s
}

// Create registers a new empty sandbox.
func (s *MemoryStore) Create(ctx context.Context, name string, typ domain.SandboxType) (domain.SandboxEnvironment, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: generate sandbox id: %v", domain.ErrStorage, err)
	}

	sb := domain.SandboxEnvironment{
		ID:            id.String(),
		Name:          name,
		Type:          typ,
		CreatedAt:     s.now(),
		Modifications: []domain.SystemModification{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.registry.Load()
	next := make([]domain.SandboxEnvironment, len(current), len(current)+1)
	copy(next, current)
	next = append(next, sb)
	s.registry.Store(&next)

	return sb.Clone(), nil
}

// Find returns a copy of the sandbox with the given id.
func (s *MemoryStore) Find(ctx context.Context, id string) (domain.SandboxEnvironment, bool, error) {
	for _, sb := range *s.registry.Load() {
		if sb.ID == id {
			return sb.Clone(), true, nil
		}
	}
	return domain.SandboxEnvironment{}, false, nil
}

// Append adds a modification to a sandbox by replacing the whole registry.
func (s *MemoryStore) Append(ctx context.Context, sandboxID string, mod domain.SystemModification) (domain.SandboxEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := *s.registry.Load()
	idx := -1
	for i, sb := range current {
		if sb.ID == sandboxID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.SandboxEnvironment{}, fmt.Errorf("%w: %s", domain.ErrNotFound, sandboxID)
	}

	next := make([]domain.SandboxEnvironment, len(current))
	copy(next, current)

	updated := current[idx]
	mods := make([]domain.SystemModification, len(updated.Modifications), len(updated.Modifications)+1)
	copy(mods, updated.Modifications)
	updated.Modifications = append(mods, mod.Clone())
	next[idx] = updated

	s.registry.Store(&next)
	return updated.Clone(), nil
}

// List returns copies of all sandboxes in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]domain.SandboxEnvironment, error) {
	current := *s.registry.Load()
	out := make([]domain.SandboxEnvironment, len(current))
	for i, sb := range current {
		out[i] = sb.Clone()
	}
	return out, nil
}

// Ensure MemoryStore implements domain.SandboxStore.
var _ domain.SandboxStore = (*MemoryStore)(nil)
