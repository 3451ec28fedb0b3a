package remotesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/debounce"
	"github.com/agentworkforce/relaydoc/internal/drive"
	"github.com/agentworkforce/relaydoc/internal/uploadlock"
)

const (
	DefaultDebounceInterval = 2 * time.Second
	DefaultMaxDebounceWait  = 30 * time.Second
	DefaultLockTTL          = 10 * time.Second
	DefaultBaseFolderName   = "relaydoc-data"
	DefaultContentType      = "application/octet-stream"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("remote sync handler destroyed")
	ErrNotReady     = errors.New("remote sync handler not initialized")
	// ErrLockLost means another writer holds the document; the cycle stopped
	// before touching anything.
	ErrLockLost = errors.New("upload lock not held")

	// errApplyLocal marks a failure of the local document rather than the
	// remote store.
	errApplyLocal = errors.New("apply merged state")
)

// Blob is the remote store a document is mirrored into. *drive.Client
// satisfies it.
type Blob interface {
	GetOrCreateFolder(ctx context.Context, name, parentID string) (string, error)
	GetOrCreateFile(ctx context.Context, name string, seed []byte, contentType, parentID string) (drive.File, error)
	ReadFile(ctx context.Context, fileID string) ([]byte, error)
	UpdateFile(ctx context.Context, fileID string, content []byte, contentType string) (drive.File, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	DebounceInterval time.Duration
	MaxDebounceWait  time.Duration
	LockTTL          time.Duration
	BaseFolderName   string
	// ParentFolderID holds the base folder; empty means the drive root.
	ParentFolderID string
	ContentType    string
	// FlushOnDestroy runs one last cycle from Destroy when a sync is pending.
	FlushOnDestroy bool
	Logger         Logger
}

// Handler mirrors a document into one remote file. Each cycle runs under the
// document's upload lock and merges the remote content into the local state
// before writing back, so a writer that slipped past the lock is never
// overwritten.
type Handler struct {
	docID  string
	blob   Blob
	locker uploadlock.Locker
	origin crdt.Origin
	opts   Options

	scheduler *debounce.Scheduler
	cycleMu   sync.Mutex

	mu        sync.Mutex
	doc       *crdt.Document
	destroyed bool
	onError   func(error)
}

func NewHandler(docID string, blob Blob, locker uploadlock.Locker, origin crdt.Origin, opts Options) (*Handler, error) {
	if docID == "" || blob == nil || locker == nil {
		return nil, fmt.Errorf("%w: doc id, blob and locker are required", ErrInvalidInput)
	}
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = DefaultDebounceInterval
	}
	if opts.MaxDebounceWait <= 0 {
		opts.MaxDebounceWait = DefaultMaxDebounceWait
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.BaseFolderName == "" {
		opts.BaseFolderName = DefaultBaseFolderName
	}
	if opts.ContentType == "" {
		opts.ContentType = DefaultContentType
	}
	h := &Handler{
		docID:  docID,
		blob:   blob,
		locker: locker,
		origin: origin,
		opts:   opts,
	}
	h.scheduler = debounce.NewWithCeiling(h.runScheduled, opts.DebounceInterval, opts.MaxDebounceWait)
	return h, nil
}

// Init only records the document; startup never waits on the network.
func (h *Handler) Init(_ context.Context, doc *crdt.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: document is required", ErrInvalidInput)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrClosed
	}
	h.doc = doc
	return nil
}

// PersistUpdate schedules a sync; the delta itself is not needed because a
// cycle uploads the full state.
func (h *Handler) PersistUpdate(context.Context, []byte) error {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return ErrClosed
	}
	h.scheduler.Trigger()
	return nil
}

func (h *Handler) BroadcastUpdate(context.Context, []byte) error {
	return nil
}

func (h *Handler) SetErrorReporter(fn func(error)) {
	h.mu.Lock()
	h.onError = fn
	h.mu.Unlock()
}

// Pending reports whether a scheduled sync has not run yet.
func (h *Handler) Pending() bool {
	return h.scheduler.Pending()
}

func (h *Handler) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	h.mu.Unlock()

	pending := h.scheduler.Pending()
	h.scheduler.Cancel()
	if !h.opts.FlushOnDestroy || !pending {
		return nil
	}
	err := h.cycle(ctx)
	if errors.Is(err, ErrLockLost) || errors.Is(err, uploadlock.ErrLockTimeout) {
		h.logf("remotesync: final sync of %s skipped: %v", h.docID, err)
		return nil
	}
	return err
}

// SyncNow runs one cycle immediately. ErrLockLost reports that another writer
// held the lock.
func (h *Handler) SyncNow(ctx context.Context) error {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return ErrClosed
	}
	return h.cycle(ctx)
}

func (h *Handler) runScheduled() {
	err := h.cycle(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrLockLost):
		h.logf("remotesync: %s is locked by another writer, skipping cycle", h.docID)
	case errors.Is(err, uploadlock.ErrLockTimeout):
		h.logf("remotesync: sync of %s timed out, rescheduled", h.docID)
	case errors.Is(err, errApplyLocal):
		h.logf("remotesync: sync of %s failed: %v", h.docID, err)
		h.report(err)
	default:
		// Remote failures never reach the session; the next edit retries.
		h.logf("remotesync: sync of %s failed, will retry on next change: %v", h.docID, err)
	}
}

func (h *Handler) cycle(ctx context.Context) error {
	h.mu.Lock()
	doc := h.doc
	h.mu.Unlock()
	if doc == nil {
		return ErrNotReady
	}

	h.cycleMu.Lock()
	defer h.cycleMu.Unlock()

	_, err := uploadlock.WithLock(ctx, h.locker, h.docID, h.opts.LockTTL, h.rescheduleAfterTimeout,
		func(ctx context.Context, s *uploadlock.Session) (struct{}, error) {
			return struct{}{}, h.syncLocked(ctx, s, doc)
		})
	return err
}

func (h *Handler) syncLocked(ctx context.Context, s *uploadlock.Session, doc *crdt.Document) error {
	if !s.Refresh(ctx) {
		return ErrLockLost
	}
	folderID, err := h.blob.GetOrCreateFolder(ctx, h.opts.BaseFolderName, h.opts.ParentFolderID)
	if err != nil {
		return fmt.Errorf("resolve folder %q: %w", h.opts.BaseFolderName, err)
	}

	if !s.Refresh(ctx) {
		return ErrLockLost
	}
	file, err := h.blob.GetOrCreateFile(ctx, h.docID, crdt.EmptyState(), h.opts.ContentType, folderID)
	if err != nil {
		return fmt.Errorf("resolve file %q: %w", h.docID, err)
	}

	if !s.Refresh(ctx) {
		return ErrLockLost
	}
	remote, err := h.blob.ReadFile(ctx, file.ID)
	if err != nil {
		return fmt.Errorf("download %s: %w", file.ID, err)
	}

	if !s.Refresh(ctx) {
		return ErrLockLost
	}
	scratch, err := crdt.Load(doc.EncodeStateAsUpdate())
	if err != nil {
		return fmt.Errorf("copy local state: %w", err)
	}
	if len(remote) > 0 {
		// A full load rejects content that an incremental apply would skip.
		if _, err := crdt.Load(remote); err != nil {
			return fmt.Errorf("remote state of %s is unreadable: %w", file.ID, err)
		}
		if err := scratch.ApplyUpdate(remote, h.origin); err != nil {
			return fmt.Errorf("merge remote state of %s: %w", file.ID, err)
		}
	}
	merged := scratch.EncodeStateAsUpdate()

	if !s.Refresh(ctx) {
		return ErrLockLost
	}
	if _, err := h.blob.UpdateFile(ctx, file.ID, merged, h.opts.ContentType); err != nil {
		return fmt.Errorf("upload merged state to %s: %w", file.ID, err)
	}
	if err := doc.ApplyUpdate(merged, h.origin); err != nil {
		return fmt.Errorf("%w: %w", errApplyLocal, err)
	}
	h.logf("remotesync: synced %s (%d bytes)", h.docID, len(merged))
	return nil
}

// rescheduleAfterTimeout retries through the debouncer rather than at once.
func (h *Handler) rescheduleAfterTimeout() {
	h.mu.Lock()
	destroyed := h.destroyed
	h.mu.Unlock()
	if destroyed {
		return
	}
	h.scheduler.Trigger()
}

func (h *Handler) report(err error) {
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
