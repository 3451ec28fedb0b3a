package broadcast

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	DefaultSpoolRetention = time.Minute
	spoolSuffix           = ".msg"
)

type Logger interface {
	Printf(format string, args ...any)
}

type DirOptions struct {
	Root string
	// Retention is how long a message file stays in the spool.
	Retention time.Duration
	Logger    Logger
}

// DirTransport multicasts between processes on one host through a spool
// directory per document. Publishers drop message files in atomically and
// every open channel is told about them by fsnotify.
type DirTransport struct {
	root      string
	retention time.Duration
	logger    Logger
}

func NewDirTransport(opts DirOptions) (*DirTransport, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: spool root is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultSpoolRetention
	}
	return &DirTransport{root: root, retention: retention, logger: opts.Logger}, nil
}

func (t *DirTransport) Open(_ context.Context, docID string) (Channel, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	dir := filepath.Join(t.root, url.PathEscape(docID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch spool %s: %w", dir, err)
	}
	ch := &dirChannel{
		transport: t,
		dir:       dir,
		id:        uuid.NewString(),
		watcher:   watcher,
		box:       newMailbox(),
		stopped:   make(chan struct{}),
	}
	go ch.watch()
	return ch, nil
}

func (t *DirTransport) Close() error {
	return nil
}

func (t *DirTransport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

type dirChannel struct {
	transport *DirTransport
	dir       string
	id        string
	watcher   *fsnotify.Watcher
	box       *mailbox
	stopped   chan struct{}

	mu         sync.Mutex
	seq        uint64
	lastPruned time.Time
	closed     bool
	closeOnce  sync.Once
}

func (c *dirChannel) Publish(_ context.Context, msg []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	name := fmt.Sprintf("%020d-%s-%08d%s", time.Now().UnixNano(), c.id, c.seq, spoolSuffix)
	c.mu.Unlock()

	if err := writeFileAtomic(filepath.Join(c.dir, name), msg, 0o644); err != nil {
		return fmt.Errorf("spool message: %w", err)
	}
	c.prune()
	return nil
}

func (c *dirChannel) Messages() <-chan []byte {
	return c.box.out
}

func (c *dirChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.watcher.Close()
		<-c.stopped
		c.box.close()
	})
	return err
}

func (c *dirChannel) watch() {
	defer close(c.stopped)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) {
				continue
			}
			base := filepath.Base(event.Name)
			if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, spoolSuffix) {
				continue
			}
			if strings.Contains(base, "-"+c.id+"-") {
				continue
			}
			data, err := os.ReadFile(event.Name)
			if err != nil {
				// Pruned before we got to it.
				continue
			}
			c.box.put(data)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.transport.logf("broadcast: spool watcher %s: %v", c.dir, err)
		}
	}
}

// prune removes expired message files, at most once per half retention.
func (c *dirChannel) prune() {
	retention := c.transport.retention
	now := time.Now()
	c.mu.Lock()
	if now.Sub(c.lastPruned) < retention/2 {
		c.mu.Unlock()
		return
	}
	c.lastPruned = now
	c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), spoolSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > retention {
			_ = os.Remove(filepath.Join(c.dir, entry.Name()))
		}
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
