package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydoc/internal/httpapi"
	"github.com/agentworkforce/relaydoc/internal/lockstore"
)

const shutdownTimeout = 10 * time.Second

type config struct {
	addr     string
	storeDSN string
	server   httpapi.ServerConfig
}

func main() {
	cfg := configFromEnv()
	locks, err := lockstore.BuildFromDSN(cfg.storeDSN, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize lock store: %v", err)
	}
	defer func() {
		if err := locks.Close(); err != nil {
			log.Printf("close lock store: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.addr,
		Handler:           newHandler(locks, cfg.server),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("relaydoc-lockd listening on %s (store %s)", cfg.addr, storeScheme(cfg.storeDSN))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("relaydoc-lockd stopping: %v", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func configFromEnv() config {
	return config{
		addr:     envOrDefault("RELAYDOC_LOCKD_ADDR", ":3001"),
		storeDSN: envOrDefault("RELAYDOC_LOCK_STORE_DSN", "memory://"),
		server: httpapi.ServerConfig{
			JWTSecret:       strings.TrimSpace(os.Getenv("RELAYDOC_JWT_SECRET")),
			DefaultTTL:      durationEnv("RELAYDOC_LOCK_DEFAULT_TTL", httpapi.DefaultLockTTL),
			MaxTTL:          durationEnv("RELAYDOC_LOCK_MAX_TTL", httpapi.DefaultMaxTTL),
			RateLimitMax:    intEnv("RELAYDOC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("RELAYDOC_RATE_LIMIT_WINDOW", time.Minute),
		},
	}
}

func newHandler(locks httpapi.LockStore, cfg httpapi.ServerConfig) http.Handler {
	return httpapi.WithAccessLog(httpapi.NewServerWithConfig(locks, cfg), log.Default())
}

// storeScheme keeps credentials in the DSN out of the startup log.
func storeScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3]
	}
	return dsn
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
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
