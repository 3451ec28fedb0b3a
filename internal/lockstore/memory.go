package lockstore

import (
	"context"
	"sync"
	"time"
)

type MemoryOptions struct {
	Now func() time.Time
}

// MemoryStore keeps locks in process. Expired entries are dropped lazily the
// next time their document is touched.
type MemoryStore struct {
	now func() time.Time

	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	nonce     string
	expiresAt time.Time
}

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		locks: map[string]memoryLock{},
	}
}

func (s *MemoryStore) Acquire(_ context.Context, docID, nonce string, ttl time.Duration) bool {
	if !validArgs(docID, nonce) || ttl <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(docID)
	if ok && current.nonce != nonce {
		return false
	}
	s.locks[docID] = memoryLock{nonce: nonce, expiresAt: s.now().Add(ttl)}
	return true
}

func (s *MemoryStore) Release(_ context.Context, docID, nonce string) bool {
	if !validArgs(docID, nonce) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(docID)
	if !ok || current.nonce != nonce {
		return false
	}
	delete(s.locks, docID)
	return true
}

func (s *MemoryStore) Check(_ context.Context, docID, nonce string) bool {
	if !validArgs(docID, nonce) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.liveLocked(docID)
	return ok && current.nonce == nonce
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.locks = map[string]memoryLock{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) liveLocked(docID string) (memoryLock, bool) {
	current, ok := s.locks[docID]
	if !ok {
		return memoryLock{}, false
	}
	if !s.now().Before(current.expiresAt) {
		delete(s.locks, docID)
		return memoryLock{}, false
	}
	return current, true
}
