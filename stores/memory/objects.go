package memory

import (
	"context"
	"sync"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/presign"

	"github.com/sirupsen/logrus"
)

// objectStore keeps blobs in memory. Links are signed by the process and
// served by the blobs handler.
type objectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	signer  *presign.Signer
}

// NewObjectStore creates a new in-memory object store.
func NewObjectStore(signer *presign.Signer) *objectStore {
	return &objectStore{
		objects: make(map[string][]byte),
		signer:  signer,
	}
}

func (s *objectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	blob := make([]byte, len(data))
	copy(blob, data)

	s.mu.Lock()
	s.objects[key] = blob
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"storage_key": key, "data_length": len(data)}).Debug("Object stored")
	return nil
}

func (s *objectStore) DeleteMany(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.objects, key)
	}
	return nil
}

func (s *objectStore) Presign(ctx context.Context, key, downloadName string, ttl time.Duration) (string, error) {
	return s.signer.URL(key, downloadName, ttl)
}

func (s *objectStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.objects[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return blob, nil
}

// Len reports the number of stored objects.
func (s *objectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
