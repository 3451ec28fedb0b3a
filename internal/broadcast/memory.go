package broadcast

import (
	"context"
	"sync"
)

// MemoryBus connects channels inside one process. A channel never receives
// its own messages.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[*memoryChannel]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: map[string]map[*memoryChannel]struct{}{}}
}

func (b *MemoryBus) Open(_ context.Context, docID string) (Channel, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	ch := &memoryChannel{bus: b, docID: docID, box: newMailbox()}
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.topics[docID]
	if !ok {
		members = map[*memoryChannel]struct{}{}
		b.topics[docID] = members
	}
	members[ch] = struct{}{}
	return ch, nil
}

// Close is a no-op; channels are closed by their owners.
func (b *MemoryBus) Close() error {
	return nil
}

func (b *MemoryBus) publish(from *memoryChannel, msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for member := range b.topics[from.docID] {
		if member == from {
			continue
		}
		member.box.put(msg)
	}
}

func (b *MemoryBus) leave(ch *memoryChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.topics[ch.docID]
	delete(members, ch)
	if len(members) == 0 {
		delete(b.topics, ch.docID)
	}
}

type memoryChannel struct {
	bus   *MemoryBus
	docID string
	box   *mailbox

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (c *memoryChannel) Publish(_ context.Context, msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.bus.publish(c, msg)
	return nil
}

func (c *memoryChannel) Messages() <-chan []byte {
	return c.box.out
}

func (c *memoryChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.bus.leave(c)
		c.box.close()
	})
	return nil
}
