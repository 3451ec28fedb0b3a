package broadcast

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/crdt"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestHandler(t *testing.T, bus *MemoryBus) *Handler {
	t.Helper()
	h, err := NewHandler(context.Background(), "doc", bus, crdt.NewOrigin(), Options{})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	t.Cleanup(func() { _ = h.Destroy(context.Background()) })
	return h
}

func newPresence(t *testing.T, clientID, name string) *awareness.Awareness {
	t.Helper()
	a, err := awareness.New(awareness.Options{ClientID: clientID})
	if err != nil {
		t.Fatalf("awareness: %v", err)
	}
	if name != "" {
		if err := a.SetLocalState(map[string]any{"name": name}); err != nil {
			t.Fatalf("set presence: %v", err)
		}
	}
	return a
}

type deltaLog struct {
	mu  sync.Mutex
	got [][]byte
}

func (l *deltaLog) add(delta []byte) {
	l.mu.Lock()
	l.got = append(l.got, delta)
	l.mu.Unlock()
}

func (l *deltaLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.got)
}

func TestBroadcastUpdateReachesPeers(t *testing.T) {
	bus := NewMemoryBus()
	a := newTestHandler(t, bus)
	b := newTestHandler(t, bus)
	var fromA, fromB deltaLog
	a.OnUpdateReceived(fromB.add)
	b.OnUpdateReceived(fromA.add)

	if err := a.BroadcastUpdate(context.Background(), []byte("delta-1")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, "peer delivery", func() bool { return fromA.len() == 1 })
	if string(fromA.got[0]) != "delta-1" {
		t.Fatalf("expected delta-1, got %q", fromA.got[0])
	}
	time.Sleep(20 * time.Millisecond)
	if fromB.len() != 0 {
		t.Fatalf("expected the sender not to receive its own update")
	}
}

func TestPersistAndInitAreNoOps(t *testing.T) {
	h := newTestHandler(t, NewMemoryBus())
	if err := h.Init(context.Background(), crdt.New()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := h.PersistUpdate(context.Background(), []byte("x")); err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestJoiningPeerLearnsExistingPresence(t *testing.T) {
	bus := NewMemoryBus()
	alicePresence := newPresence(t, "alice", "Alice")
	alice := newTestHandler(t, bus)
	alice.RegisterAwareness(alicePresence)

	bobPresence := newPresence(t, "bob", "")
	bob := newTestHandler(t, bus)
	bob.RegisterAwareness(bobPresence)

	waitFor(t, "alice's presence at bob", func() bool {
		_, ok := bobPresence.States()["alice"]
		return ok
	})
}

func TestLocalPresenceChangesAreRelayed(t *testing.T) {
	bus := NewMemoryBus()
	alicePresence := newPresence(t, "alice", "")
	bobPresence := newPresence(t, "bob", "")
	alice := newTestHandler(t, bus)
	bob := newTestHandler(t, bus)
	alice.RegisterAwareness(alicePresence)
	bob.RegisterAwareness(bobPresence)

	if err := alicePresence.SetLocalState(map[string]any{"name": "Alice", "color": "#112233"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "alice's state at bob", func() bool {
		return bobPresence.States()["alice"]["color"] == "#112233"
	})
}

func TestAppliedPresenceIsNotRelayedAgain(t *testing.T) {
	bus := NewMemoryBus()
	bobPresence := newPresence(t, "bob", "")
	bob := newTestHandler(t, bus)
	bob.RegisterAwareness(bobPresence)

	listener, _ := bus.Open(context.Background(), "doc")
	defer listener.Close()

	alicePresence := newPresence(t, "alice", "Alice")
	payload, _ := alicePresence.EncodeUpdate()
	raw := []byte(`{"type":"awareness-update","sender":"someone-else","payload":"` + encodeBase64(payload) + `"}`)
	if err := listener.Publish(context.Background(), raw); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "bob to apply alice", func() bool {
		_, ok := bobPresence.States()["alice"]
		return ok
	})
	// Bob applied it under the handler origin, so nothing comes back.
	expectSilence(t, listener, 50*time.Millisecond)
}

func TestDestroyAnnouncesDeparture(t *testing.T) {
	bus := NewMemoryBus()
	alicePresence := newPresence(t, "alice", "Alice")
	bobPresence := newPresence(t, "bob", "Bob")
	alice, err := NewHandler(context.Background(), "doc", bus, crdt.NewOrigin(), Options{})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	bob := newTestHandler(t, bus)
	alice.RegisterAwareness(alicePresence)
	bob.RegisterAwareness(bobPresence)
	waitFor(t, "alice at bob", func() bool {
		_, ok := bobPresence.States()["alice"]
		return ok
	})

	if err := alice.Destroy(context.Background()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := alice.Destroy(context.Background()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	waitFor(t, "alice to leave bob's view", func() bool {
		_, ok := bobPresence.States()["alice"]
		return !ok
	})
	if alicePresence.LocalState() != nil {
		t.Fatalf("expected alice's local presence to be cleared")
	}
	if err := alice.BroadcastUpdate(context.Background(), []byte("late")); err != ErrClosed {
		t.Fatalf("expected ErrClosed after destroy, got %v", err)
	}
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
