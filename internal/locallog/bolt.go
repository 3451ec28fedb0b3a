package locallog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps one bucket per document; keys are big-endian sequence
// numbers so cursor order is arrival order.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: bolt path is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt log %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Append(_ context.Context, docID string, record []byte) error {
	if err := validDocID(docID); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		return putNext(bucket, record)
	})
}

func (s *BoltStore) Records(_ context.Context, docID string) ([][]byte, error) {
	if err := validDocID(docID); err != nil {
		return nil, err
	}
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(docID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			out = append(out, cloneBytes(v))
			return nil
		})
	})
	return out, err
}

// Compact runs inside one write transaction; bolt serializes writers, so no
// append can land between the read and the swap.
func (s *BoltStore) Compact(_ context.Context, docID string, merge MergeFunc) (int, error) {
	if err := validDocID(docID); err != nil {
		return 0, err
	}
	if merge == nil {
		return 0, ErrInvalidInput
	}
	folded := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(docID))
		if bucket == nil {
			return nil
		}
		var records [][]byte
		if err := bucket.ForEach(func(_, v []byte) error {
			records = append(records, cloneBytes(v))
			return nil
		}); err != nil {
			return err
		}
		folded = len(records)
		if len(records) <= 1 {
			return nil
		}
		merged, err := merge(records)
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket([]byte(docID)); err != nil {
			return err
		}
		fresh, err := tx.CreateBucket([]byte(docID))
		if err != nil {
			return err
		}
		return putNext(fresh, merged)
	})
	if err != nil {
		return 0, err
	}
	return folded, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putNext(bucket *bolt.Bucket, record []byte) error {
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, cloneBytes(record))
}
