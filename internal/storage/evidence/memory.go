package evidence

import (
	"context"
	"sync"

	"github.com/perudatos/ruc-harvester/internal/ruc"
)

// MemoryStore keeps snapshots in process memory for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	prefix string
	blobs  map[string][]byte
}

// NewMemory constructs an empty MemoryStore.
func NewMemory(prefix string) *MemoryStore {
	cleaned, err := cleanPrefix(prefix)
	if err != nil {
		cleaned = ""
	}
	return &MemoryStore{prefix: cleaned, blobs: make(map[string][]byte)}
}

// Save retains the snapshot and returns a memory:// key.
func (s *MemoryStore) Save(_ context.Context, id ruc.RequestID, pageHTML []byte) (string, error) {
	key := objectKey(s.prefix, id, pageHTML)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), pageHTML...)
	return "memory://" + key, nil
}

// Get returns the stored snapshot for a bare key. Test helper.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[key]
	return blob, ok
}

// Len returns the number of stored snapshots.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
