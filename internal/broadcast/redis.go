package broadcast

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultSubscribeTimeout = 10 * time.Second

type RedisOptions struct {
	Client        redis.UniversalClient
	ChannelPrefix string
	// SubscribeTimeout bounds the retries while confirming a subscription.
	SubscribeTimeout time.Duration
	Logger           Logger
}

// RedisTransport multicasts through Redis Pub/Sub, one Redis channel per
// document. Every frame carries the publishing channel's id so a channel
// can skip its own messages.
type RedisTransport struct {
	client           redis.UniversalClient
	prefix           string
	subscribeTimeout time.Duration
	logger           Logger
	ownClient        bool
}

func NewRedisTransport(opts RedisOptions) (*RedisTransport, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidInput)
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = "relaydoc:broadcast:"
	}
	timeout := opts.SubscribeTimeout
	if timeout <= 0 {
		timeout = DefaultSubscribeTimeout
	}
	return &RedisTransport{
		client:           opts.Client,
		prefix:           prefix,
		subscribeTimeout: timeout,
		logger:           opts.Logger,
	}, nil
}

func NewRedisTransportFromURL(rawURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t, err := NewRedisTransport(RedisOptions{Client: redis.NewClient(opts)})
	if err != nil {
		return nil, err
	}
	t.ownClient = true
	return t, nil
}

func (t *RedisTransport) Open(ctx context.Context, docID string) (Channel, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	name := t.prefix + docID
	sub := t.client.Subscribe(ctx, name)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = t.subscribeTimeout
	confirm := func() error {
		_, err := sub.Receive(ctx)
		if err != nil {
			t.logf("broadcast: subscribe %s: %v", name, err)
		}
		return err
	}
	if err := backoff.Retry(confirm, backoff.WithContext(policy, ctx)); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}

	ch := &redisChannel{
		transport: t,
		name:      name,
		id:        []byte(uuid.NewString()),
		sub:       sub,
		box:       newMailbox(),
		stopped:   make(chan struct{}),
	}
	go ch.forward(sub.Channel())
	return ch, nil
}

func (t *RedisTransport) Close() error {
	if !t.ownClient {
		return nil
	}
	return t.client.Close()
}

func (t *RedisTransport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

type redisChannel struct {
	transport *RedisTransport
	name      string
	id        []byte
	sub       *redis.PubSub
	box       *mailbox
	stopped   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func (c *redisChannel) Publish(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	frame := make([]byte, 0, len(c.id)+1+len(msg))
	frame = append(frame, c.id...)
	frame = append(frame, '\n')
	frame = append(frame, msg...)
	return c.transport.client.Publish(ctx, c.name, frame).Err()
}

func (c *redisChannel) Messages() <-chan []byte {
	return c.box.out
}

func (c *redisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.sub.Close()
		<-c.stopped
		c.box.close()
	})
	return err
}

func (c *redisChannel) forward(in <-chan *redis.Message) {
	defer close(c.stopped)
	for msg := range in {
		frame := []byte(msg.Payload)
		sep := bytes.IndexByte(frame, '\n')
		if sep < 0 {
			continue
		}
		if bytes.Equal(frame[:sep], c.id) {
			continue
		}
		c.box.put(frame[sep+1:])
	}
}
