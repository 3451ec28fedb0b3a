package locallog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/debounce"
)

const (
	DefaultCompactDebounce = 5 * time.Second
	DefaultMaxLogCount     = 1000

	backgroundCompactTimeout = 30 * time.Second
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// CompactDebounce is the quiet period before a scheduled compaction.
	CompactDebounce time.Duration
	// MaxLogCount forces a synchronous compaction once the log grows past it.
	MaxLogCount int
	Merge       MergeFunc
	Logger      Logger
}

// Handler persists every local delta for one document and folds the log down
// to a single record when it has been quiet or grows too long.
type Handler struct {
	docID  string
	store  Store
	origin crdt.Origin
	opts   Options

	compactor *debounce.Scheduler

	mu          sync.Mutex
	count       int
	initialized bool
	destroyed   bool
	onError     func(error)
}

// NewHandler does not take ownership of store; the caller closes it.
func NewHandler(docID string, store Store, origin crdt.Origin, opts Options) (*Handler, error) {
	if err := validDocID(docID); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: log store is required", ErrInvalidInput)
	}
	if opts.CompactDebounce <= 0 {
		opts.CompactDebounce = DefaultCompactDebounce
	}
	if opts.MaxLogCount <= 0 {
		opts.MaxLogCount = DefaultMaxLogCount
	}
	if opts.Merge == nil {
		opts.Merge = mergeDeltas
	}
	h := &Handler{
		docID:  docID,
		store:  store,
		origin: origin,
		opts:   opts,
	}
	h.compactor = debounce.New(h.compactInBackground, opts.CompactDebounce)
	return h, nil
}

func mergeDeltas(records [][]byte) ([]byte, error) {
	return crdt.MergeUpdates(records...)
}

// Init replays the stored log into doc under the handler's origin so the
// replay is not persisted again.
func (h *Handler) Init(ctx context.Context, doc *crdt.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is required", ErrInvalidInput)
	}
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.initialized {
		h.mu.Unlock()
		return fmt.Errorf("%w: log handler already initialized", ErrInvalidInput)
	}
	h.initialized = true
	h.mu.Unlock()

	records, err := h.store.Records(ctx, h.docID)
	if err != nil {
		return fmt.Errorf("read log %s: %w", h.docID, err)
	}
	// count only paces compaction, so an append that raced this read may be
	// lost from it.
	h.mu.Lock()
	h.count = len(records)
	h.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	merged, err := h.opts.Merge(records)
	if err != nil {
		return fmt.Errorf("merge log %s: %w", h.docID, err)
	}
	if err := doc.ApplyUpdate(merged, h.origin); err != nil {
		return fmt.Errorf("replay log %s: %w", h.docID, err)
	}
	h.logf("locallog: replayed %d records for %s", len(records), h.docID)
	return nil
}

func (h *Handler) PersistUpdate(ctx context.Context, delta []byte) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()

	if err := h.store.Append(ctx, h.docID, delta); err != nil {
		return fmt.Errorf("append log %s: %w", h.docID, err)
	}

	h.mu.Lock()
	h.count++
	overflow := h.count > h.opts.MaxLogCount
	h.mu.Unlock()

	if overflow {
		h.compactor.Cancel()
		return h.Compact(ctx)
	}
	h.compactor.Trigger()
	return nil
}

// BroadcastUpdate is a no-op; the log has no transport.
func (h *Handler) BroadcastUpdate(context.Context, []byte) error {
	return nil
}

// Compact folds the document's log into one record now.
func (h *Handler) Compact(ctx context.Context) error {
	folded, err := h.store.Compact(ctx, h.docID, h.opts.Merge)
	if err != nil {
		return fmt.Errorf("compact log %s: %w", h.docID, err)
	}
	// Rows appended during a SQL compaction survive it but are not counted.
	h.mu.Lock()
	if folded > 0 {
		h.count = 1
	}
	h.mu.Unlock()
	if folded > 1 {
		h.logf("locallog: compacted %d records for %s", folded, h.docID)
	}
	return nil
}

func (h *Handler) compactInBackground() {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backgroundCompactTimeout)
	defer cancel()
	if err := h.Compact(ctx); err != nil {
		h.logf("locallog: %v", err)
		h.reportError(err)
	}
}

// Destroy stops scheduled compaction. It is safe to call more than once.
func (h *Handler) Destroy(context.Context) error {
	h.mu.Lock()
	h.destroyed = true
	h.mu.Unlock()
	h.compactor.Cancel()
	return nil
}

// SetErrorReporter receives failures of background compaction.
func (h *Handler) SetErrorReporter(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

// Count approximates the number of records in the log.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *Handler) reportError(err error) {
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
