package token

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Handle identifies a cancellation token held by a Registry. Handles are
// plain integers so they can cross API and process boundaries without
// carrying a pointer. The zero handle None is never allocated and always
// reads as not cancelled, so callers can use it to mean "uncancellable".
type Handle uint64

// None is the null handle.
const None Handle = 0

var (
	// ErrReleased reports an operation on a handle that was valid once but
	// has since been released.
	ErrReleased = errors.New("token already released")

	// ErrUnknown reports an operation on a handle that was never allocated.
	ErrUnknown = errors.New("unknown token handle")
)

// Registry owns every live cancellation token and maps handles to them.
// Handles are allocated from a monotonic counter and never reused, so a
// stale handle is always distinguishable from a live one.
type Registry struct {
	mu     sync.RWMutex
	next   uint64
	tokens map[Handle]*atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[Handle]*atomic.Bool),
	}
}

// Create allocates a fresh token in the not-cancelled state.
func (r *Registry) Create() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	h := Handle(r.next)
	r.tokens[h] = &atomic.Bool{}
	return h
}

// Cancel requests cancellation. The flag only ever moves from not-cancelled
// to cancelled; repeated and concurrent calls are safe and idempotent.
// Cancelling a released or never-allocated handle is an error so lifecycle
// bugs surface instead of silently doing nothing.
func (r *Registry) Cancel(h Handle) error {
	if h == None {
		return fmt.Errorf("cancel: %w: handle 0", ErrUnknown)
	}

	r.mu.RLock()
	flag, ok := r.tokens[h]
	r.mu.RUnlock()

	if !ok {
		return r.staleError("cancel", h)
	}
	flag.Store(true)
	return nil
}

// IsCancelled reports whether cancellation has been requested. It never
// blocks; workers poll it at high frequency. The None handle always reads
// false. Polling a released handle is a lifecycle bug on the caller's side
// (the owner must not release a token while a worker still holds it), so
// the registry panics rather than guessing an answer.
func (r *Registry) IsCancelled(h Handle) bool {
	if h == None {
		return false
	}

	r.mu.RLock()
	flag, ok := r.tokens[h]
	r.mu.RUnlock()

	if !ok {
		panic(fmt.Sprintf("token: poll of dead handle %d", h))
	}
	return flag.Load()
}

// Release destroys the token. Exactly one release per handle: a second
// release, or a release of a handle that never existed, returns an error
// identifying the misuse.
func (r *Registry) Release(h Handle) error {
	if h == None {
		return fmt.Errorf("release: %w: handle 0", ErrUnknown)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[h]; !ok {
		return r.staleErrorLocked("release", h)
	}
	delete(r.tokens, h)
	return nil
}

// Live returns the number of tokens currently allocated.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

func (r *Registry) staleError(op string, h Handle) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.staleErrorLocked(op, h)
}

func (r *Registry) staleErrorLocked(op string, h Handle) error {
	if uint64(h) <= r.next {
		return fmt.Errorf("%s: %w: handle %d", op, ErrReleased, h)
	}
	return fmt.Errorf("%s: %w: handle %d", op, ErrUnknown, h)
}
