package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLockTTL = 10 * time.Second
	DefaultMaxTTL  = 5 * time.Minute
)

// LockStore is the storage the server exposes. lockstore.Store satisfies it.
type LockStore interface {
	Acquire(ctx context.Context, docID, nonce string, ttl time.Duration) bool
	Release(ctx context.Context, docID, nonce string) bool
	Check(ctx context.Context, docID, nonce string) bool
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	// JWTSecret enables bearer auth when set.
	JWTSecret       string
	DefaultTTL      time.Duration
	MaxTTL          time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	Now             func() time.Time
}

type Server struct {
	locks       LockStore
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(locks LockStore) *Server {
	return NewServerWithConfig(locks, ServerConfig{})
}

func NewServerWithConfig(locks LockStore, cfg ServerConfig) *Server {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultLockTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		locks:       locks,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// /upload/g/{action}/{docId}; the doc id keeps any further slashes.
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 4)
	if len(parts) != 4 || parts[0] != "upload" || parts[1] != "g" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	action, docID := parts[2], parts[3]

	var requiredScope, method string
	switch action {
	case "start", "end":
		requiredScope, method = scopeLocksWrite, http.MethodPost
	case "check":
		requiredScope, method = scopeLocksRead, http.MethodGet
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use "+method, getCorrelationID(r))
		return
	}
	if strings.TrimSpace(docID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "document is not specified", getCorrelationID(r))
		return
	}

	client := clientKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, docID, requiredScope, s.cfg.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		client = claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(client, s.cfg.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return
	}

	nonce := strings.TrimSpace(r.URL.Query().Get("nonce"))
	if nonce == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "nonce is not specified", getCorrelationID(r))
		return
	}

	switch action {
	case "start":
		s.handleAcquire(w, r, docID, nonce)
	case "end":
		s.handleRelease(w, r, docID, nonce)
	case "check":
		s.handleCheck(w, r, docID, nonce)
	}
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, docID, nonce string) {
	ttl, ok := s.parseTTL(r.URL.Query().Get("ttl"))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid ttl", getCorrelationID(r))
		return
	}
	if s.locks.Acquire(r.Context(), docID, nonce, ttl) {
		writeJSON(w, http.StatusOK, lockResponse{DocID: docID, Held: true, TTLMillis: ttl.Milliseconds()})
		return
	}
	writeJSON(w, http.StatusConflict, lockResponse{DocID: docID, Held: false})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, docID, nonce string) {
	if s.locks.Release(r.Context(), docID, nonce) {
		writeJSON(w, http.StatusOK, lockResponse{DocID: docID, Held: false})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request, docID, nonce string) {
	if s.locks.Check(r.Context(), docID, nonce) {
		writeJSON(w, http.StatusOK, lockResponse{DocID: docID, Held: true})
		return
	}
	writeJSON(w, http.StatusConflict, lockResponse{DocID: docID, Held: false})
}

type lockResponse struct {
	DocID     string `json:"docId"`
	Held      bool   `json:"held"`
	TTLMillis int64  `json:"ttlMs,omitempty"`
}

// parseTTL reads a millisecond ttl, falling back to the default and capping
// at MaxTTL.
func (s *Server) parseTTL(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.cfg.DefaultTTL, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0, false
	}
	ttl := time.Duration(ms) * time.Millisecond
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl, true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
