package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("channel closed")
)

// Channel is an unordered multicast channel shared by every participant that
// opened the same document. Delivery is best effort and nothing is retained.
type Channel interface {
	Publish(ctx context.Context, msg []byte) error
	// Messages is closed when the channel closes.
	Messages() <-chan []byte
	Close() error
}

type Transport interface {
	Open(ctx context.Context, docID string) (Channel, error)
	Close() error
}

type TransportFactory func(dsn string) (Transport, error)

var transportRegistry = struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}{
	factories: map[string]TransportFactory{},
}

func RegisterTransportFactory(scheme string, factory TransportFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	transportRegistry.mu.Lock()
	defer transportRegistry.mu.Unlock()
	transportRegistry.factories[scheme] = factory
}

func lookupTransportFactory(scheme string) (TransportFactory, bool) {
	transportRegistry.mu.RLock()
	defer transportRegistry.mu.RUnlock()
	factory, ok := transportRegistry.factories[scheme]
	return factory, ok
}

var (
	defaultBusOnce sync.Once
	defaultBus     *MemoryBus
)

// DefaultBus is the process-wide bus behind "memory://".
func DefaultBus() *MemoryBus {
	defaultBusOnce.Do(func() {
		defaultBus = NewMemoryBus()
	})
	return defaultBus
}

// BuildTransportFromDSN opens a transport:
//
//	memory://              (process-wide bus, the default)
//	dir:///tmp/relaydoc    (spool directory shared by processes on one host)
//	redis://host:6379/0    (Redis Pub/Sub)
func BuildTransportFromDSN(dsn string) (Transport, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return DefaultBus(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupTransportFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return DefaultBus(), nil
	case "dir", "file", "spool":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Host)
		}
		if path == "" {
			return nil, fmt.Errorf("%w: spool directory is required", ErrInvalidInput)
		}
		return NewDirTransport(DirOptions{Root: path})
	case "redis", "rediss":
		return NewRedisTransportFromURL(dsn)
	default:
		return nil, fmt.Errorf("unsupported broadcast scheme: %s", scheme)
	}
}

// mailbox decouples publishers from slow readers with an unbounded queue.
type mailbox struct {
	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{
		out:  make(chan []byte),
		done: make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.pump()
	return m
}

func (m *mailbox) put(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	m.queue = append(m.queue, cp)
	m.cond.Signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	m.cond.Broadcast()
	m.mu.Unlock()
	close(m.done)
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}
