// Package vault resolves named credential handles into short-lived scopes.
// A Scope is valid for exactly one pipeline stage: it is granted at stage
// entry and revoked unconditionally at stage exit, on every path.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// Provider resolves a credential handle into a fresh Scope.
type Provider interface {
	Resolve(ctx context.Context, handle string) (*Scope, error)
}

// Scope holds a resolved credential for the duration of one stage.
// The secret lives in a locked, guarded buffer and is destroyed on Revoke.
type Scope struct {
	// Handle is the name the credential was resolved from.
	Handle string

	username string
	secret   *memguard.LockedBuffer

	mu      sync.Mutex
	once    sync.Once
	revoked bool
}

func newScope(handle, username string, secret []byte) *Scope {
	s := &Scope{Handle: handle, username: username}
	// NewBufferFromBytes wipes the source slice after copying it into
	// locked memory. It does not accept empty input; providers reject
	// empty passwords before constructing a scope.
	if len(secret) > 0 {
		s.secret = memguard.NewBufferFromBytes(secret)
	}
	return s
}

// Username returns the credential's user name. It is not considered secret.
func (s *Scope) Username() string {
	return s.username
}

// Secret returns a copy of the secret value, or nil once revoked.
// Callers must not retain the returned slice past the stage boundary.
func (s *Scope) Secret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked || s.secret == nil || !s.secret.IsAlive() {
		return nil
	}

	value := make([]byte, len(s.secret.Bytes()))
	copy(value, s.secret.Bytes())
	return value
}

// Revoke destroys the secret. It is idempotent: the underlying buffer is
// destroyed exactly once no matter how many exit paths call it.
func (s *Scope) Revoke() {
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.revoked = true
		if s.secret != nil {
			s.secret.Destroy()
		}
	})
}

// Revoked reports whether the scope has been revoked.
func (s *Scope) Revoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked
}

// WithScope resolves a handle, runs fn with the live scope, and revokes the
// scope on every exit path: normal return, error return, and panic.
func WithScope(ctx context.Context, p Provider, handle string, fn func(*Scope) error) error {
	scope, err := p.Resolve(ctx, handle)
	if err != nil {
		return fmt.Errorf("failed to resolve credential '%s': %w", handle, err)
	}
	defer scope.Revoke()

	return fn(scope)
}
