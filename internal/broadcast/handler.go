package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/google/uuid"
)

const (
	MessageUpdate          = "update"
	MessageAwarenessQuery  = "awareness-query"
	MessageAwarenessUpdate = "awareness-update"

	DefaultPublishTimeout = 5 * time.Second
)

type envelope struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Payload []byte `json:"payload,omitempty"`
}

type Options struct {
	// PublishTimeout bounds publishes that have no caller context, such as
	// presence replies.
	PublishTimeout time.Duration
	Logger         Logger
}

// Handler fans deltas and presence out to every other participant that has
// the same document open. It stores nothing.
type Handler struct {
	docID   string
	origin  crdt.Origin
	sender  string
	channel Channel
	opts    Options
	done    chan struct{}

	mu             sync.Mutex
	onUpdate       func(delta []byte)
	onError        func(error)
	presence       *awareness.Awareness
	unsubAwareness func()
	destroyed      bool
}

// NewHandler opens the document's channel on transport. Messages published
// by peers before NewHandler returns are not seen.
func NewHandler(ctx context.Context, docID string, transport Transport, origin crdt.Origin, opts Options) (*Handler, error) {
	if docID == "" || transport == nil {
		return nil, fmt.Errorf("%w: doc id and transport are required", ErrInvalidInput)
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	channel, err := transport.Open(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("open broadcast channel %s: %w", docID, err)
	}
	h := &Handler{
		docID:   docID,
		origin:  origin,
		sender:  uuid.NewString(),
		channel: channel,
		opts:    opts,
		done:    make(chan struct{}),
	}
	go h.receive()
	return h, nil
}

// RegisterAwareness relays presence through the channel and asks peers for
// theirs.
func (h *Handler) RegisterAwareness(a *awareness.Awareness) {
	if a == nil {
		return
	}
	h.mu.Lock()
	if h.destroyed || h.presence != nil {
		h.mu.Unlock()
		return
	}
	h.presence = a
	h.unsubAwareness = a.OnUpdate(h.handleAwarenessChange)
	h.mu.Unlock()

	h.publishDetached(envelope{Type: MessageAwarenessQuery})
}

func (h *Handler) Init(context.Context, *crdt.Document) error {
	return nil
}

func (h *Handler) PersistUpdate(context.Context, []byte) error {
	return nil
}

func (h *Handler) BroadcastUpdate(ctx context.Context, delta []byte) error {
	if h.isDestroyed() {
		return ErrClosed
	}
	return h.publish(ctx, envelope{Type: MessageUpdate, Payload: delta})
}

// OnUpdateReceived sets the callback for deltas from peers.
func (h *Handler) OnUpdateReceived(fn func(delta []byte)) {
	h.mu.Lock()
	h.onUpdate = fn
	h.mu.Unlock()
}

func (h *Handler) SetErrorReporter(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

// Destroy announces that the local client left, then closes the channel.
func (h *Handler) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.onUpdate = nil
	presence := h.presence
	unsub := h.unsubAwareness
	h.mu.Unlock()

	if presence != nil {
		presence.RemoveStates([]string{presence.ClientID()}, h.origin)
		if unsub != nil {
			unsub()
		}
		if payload, err := presence.EncodeUpdate(presence.ClientID()); err == nil {
			if err := h.publish(ctx, envelope{Type: MessageAwarenessUpdate, Payload: payload}); err != nil {
				h.logf("broadcast: announce departure on %s: %v", h.docID, err)
			}
		}
	}
	err := h.channel.Close()
	<-h.done
	return err
}

func (h *Handler) receive() {
	defer close(h.done)
	for raw := range h.channel.Messages() {
		var msg envelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.logf("broadcast: dropping malformed message on %s: %v", h.docID, err)
			continue
		}
		if msg.Sender == h.sender {
			continue
		}
		h.handleMessage(msg)
	}
}

func (h *Handler) handleMessage(msg envelope) {
	h.mu.Lock()
	onUpdate := h.onUpdate
	presence := h.presence
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return
	}

	switch msg.Type {
	case MessageUpdate:
		if onUpdate != nil {
			onUpdate(msg.Payload)
		}
	case MessageAwarenessQuery:
		if presence == nil {
			return
		}
		payload, err := presence.EncodeUpdate()
		if err != nil {
			h.report(fmt.Errorf("encode presence: %w", err))
			return
		}
		h.publishDetached(envelope{Type: MessageAwarenessUpdate, Payload: payload})
	case MessageAwarenessUpdate:
		if presence == nil {
			return
		}
		if err := presence.ApplyUpdate(msg.Payload, h.origin); err != nil {
			h.logf("broadcast: apply presence on %s: %v", h.docID, err)
		}
	default:
		h.logf("broadcast: unknown message type %q on %s", msg.Type, h.docID)
	}
}

func (h *Handler) handleAwarenessChange(change awareness.Change, origin crdt.Origin) {
	if origin == h.origin {
		return
	}
	h.mu.Lock()
	presence := h.presence
	h.mu.Unlock()
	if presence == nil {
		return
	}
	payload, err := presence.EncodeUpdate(change.All()...)
	if err != nil {
		h.report(fmt.Errorf("encode presence: %w", err))
		return
	}
	h.publishDetached(envelope{Type: MessageAwarenessUpdate, Payload: payload})
}

func (h *Handler) publish(ctx context.Context, msg envelope) error {
	msg.Sender = h.sender
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.channel.Publish(ctx, raw)
}

func (h *Handler) publishDetached(msg envelope) {
	if h.isDestroyed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.PublishTimeout)
	defer cancel()
	if err := h.publish(ctx, msg); err != nil {
		h.report(fmt.Errorf("publish %s on %s: %w", msg.Type, h.docID, err))
	}
}

func (h *Handler) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *Handler) report(err error) {
	h.logf("broadcast: %v", err)
	h.mu.Lock()
	fn := h.onError
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (h *Handler) logf(format string, args ...any) {
	if h.opts.Logger == nil {
		return
	}
	h.opts.Logger.Printf(format, args...)
}
