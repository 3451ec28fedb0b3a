package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/awareness"
	"github.com/agentworkforce/relaydoc/internal/broadcast"
	"github.com/agentworkforce/relaydoc/internal/crdt"
	"github.com/agentworkforce/relaydoc/internal/drive"
	"github.com/agentworkforce/relaydoc/internal/locallog"
	"github.com/agentworkforce/relaydoc/internal/provider"
	"github.com/agentworkforce/relaydoc/internal/remotesync"
	"github.com/agentworkforce/relaydoc/internal/uploadlock"
)

type sessionOptions struct {
	docID        string
	logStoreDSN  string
	broadcastDSN string
	lockURL      string
	lockToken    string
	driveToken   string
	driveBaseURL string
	environment  string
	user         string
	color        string
	timeout      time.Duration
}

func main() {
	docID := flag.String("doc", strings.TrimSpace(os.Getenv("RELAYDOC_DOC")), "document ID")
	logStore := flag.String("log-store", envOrDefault("RELAYDOC_LOG_STORE", filepath.Join(".relaydoc", "log.db")), "local log store DSN")
	broadcastDSN := flag.String("broadcast", envOrDefault("RELAYDOC_BROADCAST", "memory://"), "broadcast transport DSN")
	lockURL := flag.String("lock-url", strings.TrimSpace(os.Getenv("RELAYDOC_LOCK_URL")), "lock service base URL")
	lockToken := flag.String("lock-token", strings.TrimSpace(os.Getenv("RELAYDOC_LOCK_TOKEN")), "lock service bearer token")
	driveToken := flag.String("drive-token", strings.TrimSpace(os.Getenv("RELAYDOC_DRIVE_TOKEN")), "Drive OAuth access token")
	driveBaseURL := flag.String("drive-base-url", envOrDefault("RELAYDOC_DRIVE_BASE_URL", drive.DefaultBaseURL), "Drive API base URL")
	environment := flag.String("environment", envOrDefault("RELAYDOC_ENVIRONMENT", "development"), "environment tag for remote files")
	appendText := flag.String("append", "", "text to append to the document")
	user := flag.String("user", strings.TrimSpace(os.Getenv("RELAYDOC_USER")), "display name announced to peers")
	color := flag.String("color", strings.TrimSpace(os.Getenv("RELAYDOC_COLOR")), "presence color (#rrggbb)")
	watch := flag.Bool("watch", false, "keep the session open and print the text on every change")
	syncInterval := flag.Duration("sync-interval", durationEnv("RELAYDOC_SYNC_INTERVAL", 30*time.Second), "remote sync interval in watch mode")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("RELAYDOC_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("RELAYDOC_TIMEOUT", 30*time.Second), "per-operation timeout")
	flag.Parse()

	if strings.TrimSpace(*docID) == "" {
		log.Fatalf("doc is required (--doc or RELAYDOC_DOC)")
	}
	if *syncInterval <= 0 {
		*syncInterval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(rootCtx, sessionOptions{
		docID:        strings.TrimSpace(*docID),
		logStoreDSN:  *logStore,
		broadcastDSN: *broadcastDSN,
		lockURL:      *lockURL,
		lockToken:    *lockToken,
		driveToken:   *driveToken,
		driveBaseURL: *driveBaseURL,
		environment:  *environment,
		user:         *user,
		color:        *color,
		timeout:      *timeout,
	})
	if err != nil {
		log.Fatalf("failed to open document session: %v", err)
	}
	defer s.close()

	if *appendText != "" {
		if err := s.append(*appendText); err != nil {
			log.Fatalf("append failed: %v", err)
		}
	}
	s.syncRemote(rootCtx)
	fmt.Println(s.text())
	if !*watch {
		return
	}

	changed := make(chan struct{}, 1)
	unsub := s.provider.Doc().OnUpdate(func(crdt.Update) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*syncInterval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	last := s.text()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("relaydoc stopping: %v", rootCtx.Err())
			return
		case err := <-s.errs:
			log.Printf("session failed: %v", err)
			return
		case <-changed:
			if text := s.text(); text != last {
				last = text
				fmt.Println(text)
			}
		case <-timer.C:
			s.syncRemote(rootCtx)
			timer.Reset(jitteredIntervalWithSample(*syncInterval, *intervalJitter, rng.Float64()))
		}
	}
}

type session struct {
	opts      sessionOptions
	provider  *provider.Provider
	remote    *remotesync.Handler
	store     locallog.Store
	transport broadcast.Transport
	errs      chan error
}

// openSession wires the configured handlers into a provider and waits until
// the local log has been replayed.
func openSession(ctx context.Context, opts sessionOptions) (*session, error) {
	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Second
	}
	s := &session{opts: opts, errs: make(chan error, 1)}

	store, err := locallog.BuildStoreFromDSN(opts.logStoreDSN)
	if err != nil {
		return nil, fmt.Errorf("log store: %w", err)
	}
	s.store = store
	transport, err := broadcast.BuildTransportFromDSN(opts.broadcastDSN)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	s.transport = transport

	factories := []provider.HandlerFactory{
		provider.LocalLog(store, locallog.Options{Logger: log.Default()}),
		provider.Broadcast(transport, broadcast.Options{Logger: log.Default()}),
	}
	if remote, err := s.remoteFactory(); err != nil {
		s.close()
		return nil, err
	} else if remote != nil {
		factories = append(factories, remote)
	}

	var presence *awareness.Awareness
	if opts.user != "" {
		presence, err = awareness.New(awareness.Options{})
		if err != nil {
			s.close()
			return nil, err
		}
		state := map[string]any{"name": opts.user}
		if opts.color != "" {
			state["color"] = opts.color
		}
		if err := presence.SetLocalState(state); err != nil {
			s.close()
			return nil, err
		}
	}

	p, err := provider.New(ctx, opts.docID, crdt.New(), provider.Options{
		Handlers:  factories,
		Awareness: presence,
		Logger:    log.Default(),
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.provider = p
	p.OnError(func(err error) {
		select {
		case s.errs <- err:
		default:
		}
	})

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := p.WaitSynced(waitCtx); err != nil {
		s.close()
		return nil, fmt.Errorf("initialize %s: %w", opts.docID, err)
	}
	return s, nil
}

// remoteFactory returns nil when Drive mirroring is not configured.
func (s *session) remoteFactory() (provider.HandlerFactory, error) {
	if s.opts.driveToken == "" {
		return nil, nil
	}
	if s.opts.lockURL == "" {
		return nil, errors.New("lock-url is required when drive-token is set")
	}
	locker := uploadlock.NewClient(uploadlock.ClientOptions{
		BaseURL: s.opts.lockURL,
		Token:   s.opts.lockToken,
		Logger:  log.Default(),
	})
	blob := drive.NewClient(drive.Options{
		BaseURL:       s.opts.driveBaseURL,
		TokenProvider: drive.StaticToken(s.opts.driveToken),
		HTTPClient:    &http.Client{Timeout: s.opts.timeout},
		AppProperties: map[string]string{
			"source":      "relaydoc",
			"environment": s.opts.environment,
		},
		Logger: log.Default(),
	})
	return func(_ context.Context, docID string, origin crdt.Origin) (provider.Handler, error) {
		h, err := remotesync.NewHandler(docID, blob, locker, origin, remotesync.Options{
			FlushOnDestroy: true,
			Logger:         log.Default(),
		})
		if err != nil {
			return nil, err
		}
		s.remote = h
		return h, nil
	}, nil
}

func (s *session) append(text string) error {
	if err := s.provider.Doc().AppendText(crdt.NewOrigin(), "", text); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()
	return s.provider.Idle(ctx)
}

// syncRemote runs one mirror cycle when Drive is configured. Failures are
// logged; the next cycle retries.
func (s *session) syncRemote(parent context.Context) {
	if s.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, s.opts.timeout)
	defer cancel()
	if err := s.remote.SyncNow(ctx); err != nil {
		log.Printf("remote sync of %s failed: %v", s.opts.docID, err)
		return
	}
	log.Printf("remote sync of %s completed", s.opts.docID)
}

func (s *session) text() string {
	text, err := s.provider.Doc().Text("")
	if err != nil {
		log.Printf("read text: %v", err)
	}
	return text
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()
	if s.provider != nil {
		if err := s.provider.Destroy(ctx); err != nil {
			log.Printf("destroy session: %v", err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Printf("close broadcast: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close log store: %v", err)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
