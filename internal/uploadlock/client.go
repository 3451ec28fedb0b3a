package uploadlock

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3001"
	DefaultTTL     = 10 * time.Second
)

// Locker is the advisory lock contract. Every method is a probe: failures of
// any kind are reported as false, never as errors.
type Locker interface {
	Acquire(ctx context.Context, docID, nonce string, ttl time.Duration) bool
	Release(ctx context.Context, docID, nonce string) bool
	Check(ctx context.Context, docID, nonce string) bool
}

type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     Logger
}

// Client talks to the lock service over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
	}
}

func (c *Client) Acquire(ctx context.Context, docID, nonce string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	q := url.Values{}
	q.Set("nonce", nonce)
	q.Set("ttl", strconv.FormatInt(ttl.Milliseconds(), 10))
	return c.probe(ctx, http.MethodPost, "start", docID, q)
}

func (c *Client) Release(ctx context.Context, docID, nonce string) bool {
	q := url.Values{}
	q.Set("nonce", nonce)
	return c.probe(ctx, http.MethodPost, "end", docID, q)
}

func (c *Client) Check(ctx context.Context, docID, nonce string) bool {
	q := url.Values{}
	q.Set("nonce", nonce)
	return c.probe(ctx, http.MethodGet, "check", docID, q)
}

// probe reports whether the service answered 200. Anything else, including
// 409 and transport errors, is false.
func (c *Client) probe(ctx context.Context, method, action, docID string, q url.Values) bool {
	requestURL := fmt.Sprintf("%s/upload/g/%s/%s?%s", c.baseURL, action, url.PathEscape(docID), q.Encode())
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
		if err != nil {
			c.logf("lock %s %s: %v", action, docID, err)
			return false
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr == nil {
					continue
				}
			}
			c.logf("lock %s %s: %v", action, docID, err)
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return true
		}
		if resp.StatusCode >= 500 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr == nil {
				continue
			}
		}
		return false
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
