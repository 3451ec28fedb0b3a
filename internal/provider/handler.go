package provider

import (
	"context"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/broadcast"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/locallog"
	"github.com/agentworkforce/relaydoc/internal/remotesync"
	"github.com/agentworkforce/relaydoc/internal/uploadlock"
)

// Handler is a storage or transport backend attached to a document session.
type Handler interface {
	// Init may load persisted state into doc. It is called once.
	Init(ctx context.Context, doc *crdt.Document) error
	// PersistUpdate makes a local delta durable.
	PersistUpdate(ctx context.Context, delta []byte) error
	// BroadcastUpdate sends a local delta to live peers.
	BroadcastUpdate(ctx context.Context, delta []byte) error
	// Destroy releases the handler's resources. It must be idempotent.
	Destroy(ctx context.Context) error
}

// AwarenessHandler is implemented by handlers that also carry presence.
type AwarenessHandler interface {
	Handler
	RegisterAwareness(a *awareness.Awareness)
}

// UpdateSource is implemented by handlers that receive deltas from peers.
type UpdateSource interface {
	OnUpdateReceived(fn func(delta []byte))
}

// ErrorReporter is implemented by handlers that fail in the background.
type ErrorReporter interface {
	SetErrorReporter(fn func(error))
}

// HandlerFactory builds a handler bound to one session's origin.
type HandlerFactory func(ctx context.Context, docID string, origin crdt.Origin) (Handler, error)

// LocalLog attaches a durable local log. The caller keeps ownership of store.
func LocalLog(store locallog.Store, opts locallog.Options) HandlerFactory {
	return func(_ context.Context, docID string, origin crdt.Origin) (Handler, error) {
		h, err := locallog.NewHandler(docID, store, origin, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Broadcast attaches live fan-out to other sessions on the same transport.
func Broadcast(transport broadcast.Transport, opts broadcast.Options) HandlerFactory {
	return func(ctx context.Context, docID string, origin crdt.Origin) (Handler, error) {
		h, err := broadcast.NewHandler(ctx, docID, transport, origin, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// Remote attaches lock-guarded mirroring into a remote blob.
func Remote(blob remotesync.Blob, locker uploadlock.Locker, opts remotesync.Options) HandlerFactory {
	return func(_ context.Context, docID string, origin crdt.Origin) (Handler, error) {
		h, err := remotesync.NewHandler(docID, blob, locker, origin, opts)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}
