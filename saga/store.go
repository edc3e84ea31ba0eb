package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("saga: state not found")
	ErrConcurrencyConflict = errors.New("saga: concurrency conflict")
)

// Document is one saga state as stored. ETag changes on every save.
type Document struct {
	Key  string
	Data []byte
	ETag string
}

// Store persists saga state with optimistic concurrency. Save with an empty
// ETag creates the document and fails with ErrConcurrencyConflict if it
// exists; with an ETag it replaces the document only if the ETag still
// matches. Remove with an empty ETag is unconditional.
type Store interface {
	Get(ctx context.Context, key string) (Document, error)
	Save(ctx context.Context, doc Document) (string, error)
	Remove(ctx context.Context, key, etag string) error
}

// Key builds the store key of one saga instance
func Key(sagaType, businessKey string) string {
	return sagaType + "/" + businessKey
}

// MemoryStore keeps saga state in a map
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

// Get implements Store
func (s *MemoryStore) Get(ctx context.Context, key string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	doc.Data = clone(doc.Data)
	return doc, nil
}

// Save implements Store
func (s *MemoryStore) Save(ctx context.Context, doc Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.docs[doc.Key]
	switch {
	case doc.ETag == "" && exists:
		return "", fmt.Errorf("%w: %s already exists", ErrConcurrencyConflict, doc.Key)
	case doc.ETag != "" && !exists:
		return "", fmt.Errorf("%w: %s was removed", ErrConcurrencyConflict, doc.Key)
	case doc.ETag != "" && current.ETag != doc.ETag:
		return "", fmt.Errorf("%w: %s was modified", ErrConcurrencyConflict, doc.Key)
	}

	etag := uuid.NewString()
	s.docs[doc.Key] = Document{Key: doc.Key, Data: clone(doc.Data), ETag: etag}
	return etag, nil
}

// Remove implements Store
func (s *MemoryStore) Remove(ctx context.Context, key, etag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.docs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if etag != "" && current.ETag != etag {
		return fmt.Errorf("%w: %s was modified", ErrConcurrencyConflict, key)
	}
	delete(s.docs, key)
	return nil
}

// Len returns the number of stored documents
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

var _ Store = (*MemoryStore)(nil)
