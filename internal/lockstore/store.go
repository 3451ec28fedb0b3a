package lockstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported lock store")
)

// Store holds advisory locks keyed by document ID. At most one live nonce
// owns a document at a time; a lock expires ttl after its last acquire.
type Store interface {
	Acquire(ctx context.Context, docID, nonce string, ttl time.Duration) bool
	Release(ctx context.Context, docID, nonce string) bool
	Check(ctx context.Context, docID, nonce string) bool
	Close() error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Factory func(dsn string, logger Logger) (Store, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes BuildFromDSN hand DSNs with scheme to factory.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	factory, ok := registry.factories[scheme]
	return factory, ok
}

// BuildFromDSN opens a store. An empty DSN yields the in-memory store.
func BuildFromDSN(dsn string, logger Logger) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(MemoryOptions{}), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn, logger)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(MemoryOptions{}), nil
	case "redis", "rediss":
		return NewRedisStoreFromURL(dsn, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func validArgs(docID, nonce string) bool {
	return strings.TrimSpace(docID) != "" && strings.TrimSpace(nonce) != ""
}
