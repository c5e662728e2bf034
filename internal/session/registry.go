package session

import (
	"errors"
	"sync"
)

// ErrRegistryClosed reports an acquire after teardown.
var ErrRegistryClosed = errors.New("session: registry closed")

// Registry hands each worker its own session and guarantees every handed-out
// transport is closed by the time the registry shuts down. It is the
// structured-concurrency stand-in for a thread-local slot with an exit
// destructor: a worker acquires once, uses the session exclusively, and
// releases it when it ends.
type Registry struct {
	endpoint string

	mu     sync.Mutex
	active map[*Session]struct{}
	closed bool
}

// NewRegistry returns a registry minting sessions against endpoint.
func NewRegistry(endpoint string) *Registry {
	return &Registry{
		endpoint: endpoint,
		active:   make(map[*Session]struct{}),
	}
}

// Acquire mints a fresh session for the calling worker. The session does not
// connect until its first operation.
func (r *Registry) Acquire() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	s := New(r.endpoint)
	r.active[s] = struct{}{}
	return s, nil
}

// Release disconnects the worker's session and forgets it. Safe to call with
// a session the registry no longer tracks.
func (r *Registry) Release(s *Session) error {
	if s == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.active, s)
	r.mu.Unlock()
	return s.Disconnect()
}

// Close disconnects every session still outstanding. Workers racing Close
// see transport errors on their next round trip and fall back.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for s := range r.active {
		sessions = append(sessions, s)
	}
	r.active = make(map[*Session]struct{})
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
