package locallog

import (
	"context"
	"sync"
)

// MemoryStore keeps logs in process; it does not survive a restart.
type MemoryStore struct {
	mu     sync.Mutex
	logs   map[string][][]byte
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: map[string][][]byte{}}
}

func (s *MemoryStore) Append(_ context.Context, docID string, record []byte) error {
	if err := validDocID(docID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.logs[docID] = append(s.logs[docID], cloneBytes(record))
	return nil
}

func (s *MemoryStore) Records(_ context.Context, docID string) ([][]byte, error) {
	if err := validDocID(docID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([][]byte, 0, len(s.logs[docID]))
	for _, record := range s.logs[docID] {
		out = append(out, cloneBytes(record))
	}
	return out, nil
}

func (s *MemoryStore) Compact(_ context.Context, docID string, merge MergeFunc) (int, error) {
	if err := validDocID(docID); err != nil {
		return 0, err
	}
	if merge == nil {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	records := s.logs[docID]
	if len(records) <= 1 {
		return len(records), nil
	}
	merged, err := merge(records)
	if err != nil {
		return 0, err
	}
	s.logs[docID] = [][]byte{cloneBytes(merged)}
	return len(records), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
