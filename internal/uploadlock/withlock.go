package uploadlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const releaseTimeout = 5 * time.Second

var (
	ErrLockTimeout  = errors.New("lock operation timed out")
	ErrInvalidInput = errors.New("invalid input")
	ErrBodyPanic    = errors.New("lock body panicked")
)

// Session is handed to a WithLock body. All calls are bound to one nonce.
type Session struct {
	locker Locker
	docID  string
	nonce  string
	ttl    time.Duration

	mu       sync.Mutex
	released bool
	result   bool
}

func (s *Session) Nonce() string {
	return s.nonce
}

func (s *Session) DocID() string {
	return s.docID
}

// Check asks whether the lock is still held without extending it.
func (s *Session) Check(ctx context.Context) bool {
	if s.isReleased() {
		return false
	}
	return s.locker.Check(ctx, s.docID, s.nonce)
}

// Refresh re-acquires the lock for another ttl. A false result means another
// writer owns it or the service is unreachable; the caller should stop.
func (s *Session) Refresh(ctx context.Context) bool {
	if s.isReleased() {
		return false
	}
	return s.locker.Acquire(ctx, s.docID, s.nonce, s.ttl)
}

// Release gives the lock up. Only the first call reaches the service; later
// calls return the first result.
func (s *Session) Release(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return s.result
	}
	s.released = true
	s.result = s.locker.Release(ctx, s.docID, s.nonce)
	return s.result
}

func (s *Session) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Session) releaseDetached(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), releaseTimeout)
	defer cancel()
	s.Release(ctx)
}

// WithLock acquires the advisory lock for docID under a fresh nonce and runs
// body. The whole operation is bounded by ttl: when it elapses the body's
// context is cancelled, onTimeout runs and ErrLockTimeout is returned without
// waiting for body. The lock is released exactly once on every exit path.
//
// A failed initial acquire does not stop body from running; body is expected
// to call Refresh before each side effect and give up when it returns false.
func WithLock[T any](
	ctx context.Context,
	locker Locker,
	docID string,
	ttl time.Duration,
	onTimeout func(),
	body func(ctx context.Context, s *Session) (T, error),
) (T, error) {
	var zero T
	if locker == nil || body == nil {
		return zero, fmt.Errorf("%w: locker and body are required", ErrInvalidInput)
	}
	if docID == "" {
		return zero, fmt.Errorf("%w: doc id is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	session := &Session{
		locker: locker,
		docID:  docID,
		nonce:  uuid.NewString(),
		ttl:    ttl,
	}
	bodyCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	defer session.releaseDetached(ctx)

	timedOut := func() (T, error) {
		cancel()
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if onTimeout != nil {
			onTimeout()
		}
		return zero, fmt.Errorf("%w after %s", ErrLockTimeout, ttl)
	}

	locker.Acquire(bodyCtx, docID, session.nonce, ttl)
	if bodyCtx.Err() != nil {
		return timedOut()
	}

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("%w: %v", ErrBodyPanic, r)}
			}
		}()
		value, err := body(bodyCtx, session)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-bodyCtx.Done():
		if out, ok := finishedBeforeDeadline[T](done); ok {
			return out.value, out.err
		}
		return timedOut()
	}
}

type outcome[T any] struct {
	value T
	err   error
}

// finishedBeforeDeadline reports a body result that was already waiting when
// the deadline fired. A body that stopped because of the cancellation does not
// count.
func finishedBeforeDeadline[T any](done <-chan outcome[T]) (outcome[T], bool) {
	select {
	case out := <-done:
		if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
			return outcome[T]{}, false
		}
		return out, true
	default:
		return outcome[T]{}, false
	}
}
