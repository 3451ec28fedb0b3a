package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// DefaultTextField is the root key editors bind their text to.
const DefaultTextField = "content"

var (
	ErrInvalidUpdate = errors.New("invalid update")
	ErrInvalidInput  = errors.New("invalid input")
)

// Origin tags a mutation with whoever caused it. The zero Origin is a local
// edit; providers hold a unique non-zero Origin for updates they apply.
type Origin struct {
	id string
}

func NewOrigin() Origin {
	return Origin{id: uuid.NewString()}
}

func (o Origin) IsZero() bool {
	return o.id == ""
}

func (o Origin) String() string {
	if o.id == "" {
		return "local"
	}
	return o.id
}

// Update is emitted after every mutation that changed the document.
type Update struct {
	Delta   []byte
	Origin  Origin
	Message string
}

// Document is an automerge document that reports each mutation as a binary
// delta. Deltas and full states share one encoding, so either can be fed to
// ApplyUpdate or MergeUpdates.
//
// Subscribers run synchronously in mutation order and must not mutate the
// document from inside the callback.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc

	issued uint64

	emitMu   sync.Mutex
	emitCond *sync.Cond
	served   uint64

	subsMu  sync.RWMutex
	subs    map[uint64]func(Update)
	nextSub uint64
}

func New() *Document {
	return wrap(automerge.New())
}

// Load opens a document from a full state or any concatenation of updates.
func Load(state []byte) (*Document, error) {
	if len(state) == 0 {
		return New(), nil
	}
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	d := wrap(doc)
	// Loaded changes are the baseline, not a delta to report.
	_ = doc.SaveIncremental()
	return d, nil
}

func wrap(doc *automerge.Doc) *Document {
	d := &Document{
		doc:  doc,
		subs: map[uint64]func(Update){},
	}
	d.emitCond = sync.NewCond(&d.emitMu)
	return d
}

// Transact runs fn against the underlying document and commits the result as
// one change. Nothing is emitted if fn left the document unchanged. Operations
// fn applied before returning an error are still committed and emitted.
func (d *Document) Transact(origin Origin, message string, fn func(doc *automerge.Doc) error) error {
	if fn == nil {
		return fmt.Errorf("%w: transaction func is required", ErrInvalidInput)
	}
	d.mu.Lock()
	fnErr := fn(d.doc)
	if _, err := d.doc.Commit(message); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}
	delta := d.doc.SaveIncremental()
	d.emitLocked(Update{Delta: delta, Origin: origin, Message: message})
	return fnErr
}

// ApplyUpdate absorbs a delta or full state. Applying the same bytes twice
// is a no-op the second time and emits nothing.
func (d *Document) ApplyUpdate(update []byte, origin Origin) error {
	if len(update) == 0 {
		return nil
	}
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	delta := d.doc.SaveIncremental()
	d.emitLocked(Update{Delta: delta, Origin: origin, Message: "apply"})
	return nil
}

// EncodeStateAsUpdate returns the full state of the document.
func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// Heads returns the change hashes at the tip of the document, sorted.
func (d *Document) Heads() []string {
	d.mu.Lock()
	heads := d.doc.Heads()
	d.mu.Unlock()
	return sortedHashes(heads)
}

// OnUpdate registers fn for every subsequent emitted update.
func (d *Document) OnUpdate(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	d.subsMu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs[id] = fn
	d.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subsMu.Lock()
			delete(d.subs, id)
			d.subsMu.Unlock()
		})
	}
}

// emitLocked releases d.mu and delivers u once every earlier update has been
// delivered. Callers hold d.mu.
func (d *Document) emitLocked(u Update) {
	if len(u.Delta) == 0 {
		d.mu.Unlock()
		return
	}
	ticket := d.issued
	d.issued++
	d.mu.Unlock()

	d.emitMu.Lock()
	for d.served != ticket {
		d.emitCond.Wait()
	}
	d.emitMu.Unlock()

	d.subsMu.RLock()
	ids := make([]uint64, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sortUint64(ids)
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.subs[id])
	}
	d.subsMu.RUnlock()

	defer func() {
		d.emitMu.Lock()
		d.served++
		d.emitCond.Broadcast()
		d.emitMu.Unlock()
	}()
	for _, fn := range fns {
		fn(u)
	}
}
