package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"golang.org/x/sync/errgroup"
)

const DefaultPresenceSweep = 3 * time.Second

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrDestroyed    = errors.New("provider destroyed")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Handlers []HandlerFactory
	// Awareness enables presence on handlers that carry it.
	Awareness *awareness.Awareness
	// PresenceSweep is how often stale peers are dropped and the local
	// presence renewed.
	PresenceSweep time.Duration
	Logger        Logger
}

// Provider owns one document session: it fans local edits out to every
// handler and applies what handlers receive back under its own origin.
type Provider struct {
	docID     string
	doc       *crdt.Document
	origin    crdt.Origin
	awareness *awareness.Awareness
	handlers  []Handler
	logger    Logger

	unsubDoc func()
	stop     chan struct{}

	syncedSubs listeners[struct{}]
	errorSubs  listeners[error]

	mu        sync.Mutex
	synced    bool
	initErr   error
	settled   chan struct{}
	destroyed bool
	inflight  int
	idle      chan struct{}

	destroyOnce sync.Once
	destroyErr  error
	destroyDone chan struct{}
}

// New attaches the handlers to doc and starts initializing them in the
// background. Use OnSynced or WaitSynced to learn when they are ready. Any
// reported error tears the whole session down.
func New(ctx context.Context, docID string, doc *crdt.Document, opts Options) (*Provider, error) {
	if docID == "" || doc == nil {
		return nil, fmt.Errorf("%w: doc id and document are required", ErrInvalidInput)
	}
	if opts.PresenceSweep <= 0 {
		opts.PresenceSweep = DefaultPresenceSweep
	}
	p := &Provider{
		docID:       docID,
		doc:         doc,
		origin:      crdt.NewOrigin(),
		awareness:   opts.Awareness,
		logger:      opts.Logger,
		stop:        make(chan struct{}),
		settled:     make(chan struct{}),
		destroyDone: make(chan struct{}),
		idle:        make(chan struct{}),
	}
	close(p.idle)

	for i, factory := range opts.Handlers {
		if factory == nil {
			continue
		}
		h, err := factory(ctx, docID, p.origin)
		if err != nil {
			p.destroyHandlers(ctx)
			return nil, fmt.Errorf("build handler %d for %s: %w", i, docID, err)
		}
		p.handlers = append(p.handlers, h)
	}

	for _, h := range p.handlers {
		if ah, ok := h.(AwarenessHandler); ok && p.awareness != nil {
			ah.RegisterAwareness(p.awareness)
		}
		if reporter, ok := h.(ErrorReporter); ok {
			reporter.SetErrorReporter(p.fail)
		}
	}
	p.unsubDoc = doc.OnUpdate(p.handleLocalUpdate)
	for _, h := range p.handlers {
		if source, ok := h.(UpdateSource); ok {
			source.OnUpdateReceived(p.applyRemote)
		}
	}

	go p.init()
	if p.awareness != nil {
		go p.sweepPresence(opts.PresenceSweep)
	}
	return p, nil
}

func (p *Provider) Origin() crdt.Origin {
	return p.origin
}

func (p *Provider) Doc() *crdt.Document {
	return p.doc
}

// Awareness is nil when presence was not enabled.
func (p *Provider) Awareness() *awareness.Awareness {
	return p.awareness
}

// OnSynced runs fn once every handler has initialized. If that already
// happened, fn runs before OnSynced returns.
func (p *Provider) OnSynced(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	var once sync.Once
	call := func() { once.Do(fn) }
	unsub := p.syncedSubs.add(func(struct{}) { call() })
	p.mu.Lock()
	synced := p.synced
	p.mu.Unlock()
	if synced {
		unsub()
		call()
	}
	return unsub
}

// OnError runs fn for every handler failure.
func (p *Provider) OnError(fn func(error)) func() {
	return p.errorSubs.add(fn)
}

// WaitSynced blocks until initialization finished and returns its error.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.settled:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Idle waits until handler calls started for local edits have returned.
func (p *Provider) Idle(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) startCallsLocked(n int) {
	if p.inflight == 0 && n > 0 {
		p.idle = make(chan struct{})
	}
	p.inflight += n
}

func (p *Provider) finishCall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight--
	if p.inflight == 0 {
		close(p.idle)
	}
}

func (p *Provider) init() {
	g, gctx := errgroup.WithContext(context.Background())
	for _, h := range p.handlers {
		h := h
		g.Go(func() error {
			return h.Init(gctx, p.doc)
		})
	}
	err := g.Wait()

	p.mu.Lock()
	if p.destroyed && err == nil {
		err = ErrDestroyed
	}
	p.initErr = err
	p.synced = err == nil
	close(p.settled)
	p.mu.Unlock()

	if err != nil {
		p.fail(fmt.Errorf("initialize %s: %w", p.docID, err))
		return
	}
	p.logf("provider: %s synced with %d handlers", p.docID, len(p.handlers))
	p.syncedSubs.emit(struct{}{})
}

func (p *Provider) handleLocalUpdate(u crdt.Update) {
	if u.Origin == p.origin {
		return
	}
	p.mu.Lock()
	destroyed := p.destroyed
	if !destroyed {
		p.startCallsLocked(2 * len(p.handlers))
	}
	p.mu.Unlock()
	if destroyed {
		return
	}

	ctx := context.Background()
	for _, h := range p.handlers {
		h := h
		go func() {
			defer p.finishCall()
			if err := h.PersistUpdate(ctx, u.Delta); err != nil {
				p.fail(fmt.Errorf("persist update for %s: %w", p.docID, err))
			}
		}()
		go func() {
			defer p.finishCall()
			if err := h.BroadcastUpdate(ctx, u.Delta); err != nil {
				p.fail(fmt.Errorf("broadcast update for %s: %w", p.docID, err))
			}
		}()
	}
}

func (p *Provider) applyRemote(delta []byte) {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}
	if err := p.doc.ApplyUpdate(delta, p.origin); err != nil {
		p.logf("provider: dropping unreadable update for %s: %v", p.docID, err)
	}
}

// fail reports err to subscribers and then tears the session down.
func (p *Provider) fail(err error) {
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		p.logf("provider: after destroy: %v", err)
		return
	}
	p.logf("provider: %v", err)
	p.errorSubs.emit(err)
	go func() {
		_ = p.Destroy(context.Background())
	}()
}

func (p *Provider) sweepPresence(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.awareness.RemoveStale(awareness.DefaultTimeout)
			if now.Sub(renewed) < awareness.DefaultTimeout/2 {
				continue
			}
			renewed = now
			if state := p.awareness.LocalState(); state != nil {
				if err := p.awareness.SetLocalState(state); err != nil {
					p.logf("renew presence for %s: %v", p.docID, err)
				}
			}
		}
	}
}

// Destroy detaches from the document and destroys every handler
// concurrently. It returns when all handlers finished or ctx ends.
func (p *Provider) Destroy(ctx context.Context) error {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		p.mu.Unlock()
		if p.unsubDoc != nil {
			p.unsubDoc()
		}
		close(p.stop)
		go func() {
			p.destroyErr = p.destroyHandlers(context.WithoutCancel(ctx))
			close(p.destroyDone)
		}()
	})
	select {
	case <-p.destroyDone:
		return p.destroyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) destroyHandlers(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, h := range p.handlers {
		h := h
		g.Go(func() error {
			if err := h.Destroy(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Provider) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
