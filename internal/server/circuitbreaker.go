package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed lets calls through.
	StateClosed CircuitState = iota
	// StateOpen fails calls fast until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a single trial call through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the backend while the breaker is open.
var ErrCircuitOpen = errors.New("object storage unavailable (circuit open)")

// CircuitBreaker opens after maxFailures consecutive failures and tries
// again once timeout has passed.
type CircuitBreaker struct {
	mu sync.Mutex

	name        string
	maxFailures int
	timeout     time.Duration
	log         *zap.Logger
	now         func() time.Time

	state       CircuitState
	failures    int
	openedAt    time.Time
	trialActive bool
}

func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration, log *zap.Logger) *CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		log:         log,
		now:         time.Now,
	}
}

// allow reports whether a call may proceed, moving open to half-open once
// the timeout is over.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialActive = false
		cb.log.Info("circuit_half_open", zap.String("breaker", cb.name))
		fallthrough
	case StateHalfOpen:
		if cb.trialActive {
			return ErrCircuitOpen
		}
		cb.trialActive = true
	}
	return nil
}

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !failed {
		if cb.state != StateClosed {
			cb.log.Info("circuit_closed", zap.String("breaker", cb.name))
		}
		cb.state = StateClosed
		cb.failures = 0
		cb.trialActive = false
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.log.Warn("circuit_opened",
				zap.String("breaker", cb.name),
				zap.Int("failures", cb.failures),
				zap.Duration("timeout", cb.timeout),
			)
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.trialActive = false
	}
}

// Execute runs fn unless the breaker is open. Errors for which benign
// returns true count as success.
func (cb *CircuitBreaker) Execute(fn func() error, benign func(error) bool) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err != nil && !(benign != nil && benign(err)))
	return err
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakerStore guards the network calls of an ObjectStore. Presigning is
// local signing work and bypasses the breaker.
type breakerStore struct {
	ObjectStore
	cb *CircuitBreaker
}

// WithCircuitBreaker wraps store so repeated failures fail fast.
func WithCircuitBreaker(store ObjectStore, cb *CircuitBreaker) ObjectStore {
	return &breakerStore{ObjectStore: store, cb: cb}
}

func notFound(err error) bool { return errors.Is(err, ErrObjectNotFound) }

// clientSide marks upload errors caused by the uploader rather than storage.
func clientSide(err error) bool {
	return errors.Is(err, context.Canceled) || isTooLarge(err)
}

func (b *breakerStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (int64, error) {
	var n int64
	err := b.cb.Execute(func() error {
		var err error
		n, err = b.ObjectStore.Put(ctx, key, body, size, contentType)
		return err
	}, clientSide)
	return n, err
}

func (b *breakerStore) Stat(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.cb.Execute(func() error {
		var err error
		n, err = b.ObjectStore.Stat(ctx, key)
		return err
	}, notFound)
	return n, err
}

func (b *breakerStore) Delete(ctx context.Context, key string) error {
	return b.cb.Execute(func() error { return b.ObjectStore.Delete(ctx, key) }, notFound)
}

func (b *breakerStore) List(ctx context.Context) ([]ObjectEntry, error) {
	var out []ObjectEntry
	err := b.cb.Execute(func() error {
		var err error
		out, err = b.ObjectStore.List(ctx)
		return err
	}, nil)
	return out, err
}

func (b *breakerStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	var id string
	err := b.cb.Execute(func() error {
		var err error
		id, err = b.ObjectStore.CreateMultipart(ctx, key)
		return err
	}, nil)
	return id, err
}

func (b *breakerStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	return b.cb.Execute(func() error { return b.ObjectStore.CompleteMultipart(ctx, key, uploadID, parts) }, nil)
}

func (b *breakerStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return b.cb.Execute(func() error { return b.ObjectStore.AbortMultipart(ctx, key, uploadID) }, nil)
}
