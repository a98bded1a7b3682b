// Package blob stores segment audio and merged artifacts by opaque reference.
package blob

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("blob not found")

// Store holds immutable byte blobs. Delete of a missing ref is not an error.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

func newRef() string {
	return uuid.NewString()
}

// validRef rejects refs this package could not have issued.
func validRef(ref string) error {
	if _, err := uuid.Parse(ref); err != nil {
		return fmt.Errorf("%w: malformed ref %q", ErrNotFound, ref)
	}
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := newRef()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.blobs[ref] = cp
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.blobs, ref)
	m.mu.Unlock()
	return nil
}

// Len reports how many blobs are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
