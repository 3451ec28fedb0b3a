package broadcast

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisIntegrationTransportDeliversToPeers(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("RELAYDOC_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set RELAYDOC_TEST_REDIS_ADDR to run Redis integration tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	transport, err := NewRedisTransport(RedisOptions{
		Client:        client,
		ChannelPrefix: fmt.Sprintf("relaydoc:it:%d:", time.Now().UnixNano()),
	})
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	ctx := context.Background()
	a, err := transport.Open(ctx, "doc")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := transport.Open(ctx, "doc")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if err := a.Publish(ctx, []byte("ping")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := string(receive(t, b)); got != "ping" {
		t.Fatalf("expected ping, got %q", got)
	}
	expectSilence(t, a, 100*time.Millisecond)
}
