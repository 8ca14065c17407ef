package crypto

import (
	"errors"
	"sync"
)

// ErrSecretDestroyed is returned when a destroyed Secret is accessed.
var ErrSecretDestroyed = errors.New("crypto: secret has been destroyed")

// Secret owns a plaintext buffer and guarantees it is zeroed exactly once,
// whichever way the owner exits. The zero value is an already destroyed
// secret.
//
// Callers never receive the backing slice directly; they borrow it for the
// duration of Use.
type Secret struct {
	mu  sync.RWMutex
	buf []byte
}

// NewSecret takes ownership of b. The caller must not retain or wipe b.
func NewSecret(b []byte) *Secret {
	return &Secret{buf: b}
}

// CopySecret copies b into a new Secret, leaving b untouched.
func CopySecret(b []byte) *Secret {
	buf := make([]byte, len(b))
	copy(buf, b)
	return &Secret{buf: buf}
}

// Use lends the plaintext to fn. The slice must not escape fn.
func (s *Secret) Use(fn func(b []byte) error) error {
	if s == nil {
		return ErrSecretDestroyed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.buf == nil {
		return ErrSecretDestroyed
	}
	return fn(s.buf)
}

// Clone returns an independent copy that must be destroyed separately.
func (s *Secret) Clone() (*Secret, error) {
	var out *Secret
	err := s.Use(func(b []byte) error {
		out = CopySecret(b)
		return nil
	})
	return out, err
}

// Len returns the length of the plaintext, or 0 once destroyed.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Destroy zeroes and releases the buffer. It is safe to call repeatedly and
// on a nil Secret.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	SecureWipe(s.buf)
	s.buf = nil
}

// Destroyed reports whether Destroy has run.
func (s *Secret) Destroyed() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buf == nil
}

// String never prints the contents.
func (s *Secret) String() string {
	return "[secret]"
}

// GoString keeps %#v from printing the buffer.
func (s *Secret) GoString() string {
	return "crypto.Secret{[secret]}"
}

// WithScopedKey wipes b after fn returns, on success and on error.
func WithScopedKey(b []byte, fn func(b []byte) error) error {
	defer SecureWipe(b)
	return fn(b)
}
