// lockout.go - Wrong-PIN lockout per share link and client
package server

import (
	"context"
	"sync"
	"time"
)

// AttemptLimiter counts failed PIN attempts per key inside a sliding window.
// Keys combine the share token and client IP.
type AttemptLimiter interface {
	// Blocked reports whether key has used up its failed attempts.
	Blocked(ctx context.Context, key string) (bool, error)
	// Fail records one failed attempt for key.
	Fail(ctx context.Context, key string) error
	// Reset forgets key after a successful attempt.
	Reset(ctx context.Context, key string) error
}

func attemptKey(token, ip string) string {
	return token + "|" + ip
}

// memoryLockout is the single-process AttemptLimiter.
type memoryLockout struct {
	mu          sync.Mutex
	failures    map[string][]time.Time
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

func newMemoryLockout(maxAttempts int, window time.Duration) *memoryLockout {
	return &memoryLockout{
		failures:    make(map[string][]time.Time),
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
	}
}

// prune drops failures older than the window. Caller holds mu.
func (l *memoryLockout) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := l.failures[key][:0]
	for _, t := range l.failures[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, key)
		return nil
	}
	l.failures[key] = kept
	return kept
}

func (l *memoryLockout) Blocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, l.now())) >= l.maxAttempts, nil
}

func (l *memoryLockout) Fail(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.failures[key] = append(l.prune(key, now), now)
	return nil
}

func (l *memoryLockout) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
	return nil
}

// sweep removes idle keys until ctx is done.
func (l *memoryLockout) sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for key := range l.failures {
				l.prune(key, now)
			}
			l.mu.Unlock()
		}
	}
}
