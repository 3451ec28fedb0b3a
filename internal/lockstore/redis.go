package lockstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Both scripts only work against a single Redis primary.
var acquireScript = redis.NewScript(`
	local val = redis.call("GET", KEYS[1])
	if not val or val == ARGV[1] then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	else
		return 0
	end
`)

var releaseScript = redis.NewScript(`
	local val = redis.call("GET", KEYS[1])
	if val == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    Logger
	ownClient bool
}

type RedisOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string
	Logger    Logger
}

func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidInput)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisStore{
		client:    opts.Client,
		keyPrefix: prefix,
		logger:    opts.Logger,
	}, nil
}

// NewRedisStoreFromURL dials redis:// or rediss:// URLs and owns the client.
func NewRedisStoreFromURL(rawURL string, logger Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	store, err := NewRedisStore(RedisOptions{Client: redis.NewClient(opts), Logger: logger})
	if err != nil {
		return nil, err
	}
	store.ownClient = true
	return store, nil
}

func (s *RedisStore) Acquire(ctx context.Context, docID, nonce string, ttl time.Duration) bool {
	if !validArgs(docID, nonce) || ttl <= 0 {
		return false
	}
	key := s.key(docID)
	result, err := acquireScript.Run(ctx, s.client, []string{key}, nonce, ttl.Milliseconds()).Int64()
	if err != nil {
		s.logf("acquire lock key=%s nonce=%s: %v", key, nonce, err)
		return false
	}
	return result == 1
}

func (s *RedisStore) Release(ctx context.Context, docID, nonce string) bool {
	if !validArgs(docID, nonce) {
		return false
	}
	key := s.key(docID)
	result, err := releaseScript.Run(ctx, s.client, []string{key}, nonce).Int64()
	if err != nil {
		s.logf("release lock key=%s nonce=%s: %v", key, nonce, err)
		return false
	}
	return result == 1
}

func (s *RedisStore) Check(ctx context.Context, docID, nonce string) bool {
	if !validArgs(docID, nonce) {
		return false
	}
	key := s.key(docID)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logf("check lock key=%s nonce=%s: %v", key, nonce, err)
		return false
	}
	return val == nonce
}

func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(docID string) string {
	return s.keyPrefix + docID
}

func (s *RedisStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
