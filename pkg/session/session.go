// Package session guards access to decrypted wallet secrets.
//
// A Guard starts Locked. Unlock verifies the wallet password and moves it to
// Unlocked; Lock, or an idle period longer than the timeout, moves it back and
// destroys every secret the guard holds before the call returns.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "session")

const (
	// DefaultTimeout is the idle period after which a session locks itself.
	DefaultTimeout = 5 * time.Minute

	// DefaultCheckInterval is how often Run looks for an idle session.
	DefaultCheckInterval = 10 * time.Second
)

var (
	// ErrLocked is returned for any secret access while the session is locked.
	ErrLocked = errors.New("session: wallet is locked")

	// ErrSessionExpired is returned by the call that observed the idle
	// timeout. The session is already locked when it is returned.
	ErrSessionExpired = fmt.Errorf("%w: session expired after inactivity", ErrLocked)

	// ErrWrongPassword is returned when Unlock fails verification.
	ErrWrongPassword = errors.New("session: wrong password")

	// ErrEmptyPassword is returned when Unlock is called without a password.
	ErrEmptyPassword = errors.New("session: password cannot be empty")

	// ErrNoKey is returned when a named key is not held by the session.
	ErrNoKey = errors.New("session: key not held")
)

// State is the lock state of a session.
type State int

const (
	// Locked is the initial state. No secret is reachable.
	Locked State = iota
	// Unlocked means the password was verified and secrets may be used.
	Unlocked
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reason says why a session locked.
type Reason string

const (
	ReasonManual  Reason = "manual"
	ReasonTimeout Reason = "timeout"
	ReasonClose   Reason = "close"
)

// Verifier checks the wallet password. It returns nil on a match.
type Verifier interface {
	Verify(ctx context.Context, password []byte) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, password []byte) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, password []byte) error {
	return f(ctx, password)
}

// Config parameterizes a Guard.
type Config struct {
	// Timeout is the idle period before auto-lock. Zero means DefaultTimeout.
	Timeout time.Duration
	// CheckInterval is the Run loop period. Zero means DefaultCheckInterval.
	CheckInterval time.Duration
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Info is a snapshot of session state.
type Info struct {
	State        State
	UnlockedAt   time.Time
	LastActivity time.Time
	Timeout      time.Duration
}

// Guard is the session state machine. All methods are safe for concurrent
// use; state changes are serialized by one mutex.
type Guard struct {
	mu           sync.Mutex
	state        State
	unlockedAt   time.Time
	lastActivity time.Time
	password     *crypto.Secret
	keys         map[string]*crypto.Secret
	onLock       []func(Reason)

	verifier Verifier
	clock    clock.Clock
	timeout  time.Duration
	interval time.Duration
}

// NewGuard returns a locked Guard that checks passwords with v.
func NewGuard(v Verifier, cfg Config) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Guard{
		state:    Locked,
		keys:     make(map[string]*crypto.Secret),
		verifier: v,
		clock:    cfg.Clock,
		timeout:  cfg.Timeout,
		interval: cfg.CheckInterval,
	}
}

// OnLock registers fn to run after every transition into Locked, once the
// secrets are destroyed.
func (g *Guard) OnLock(fn func(Reason)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLock = append(g.onLock, fn)
}

// Unlock verifies password and unlocks the session. A failed verification
// leaves the state unchanged. Unlocking an unlocked session re-verifies the
// password and counts as activity.
//
// The password is copied; the caller keeps ownership of its slice.
func (g *Guard) Unlock(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return ErrEmptyPassword
	}
	// Verification is a KDF run and stays outside the state mutex.
	if err := g.verifier.Verify(ctx, password); err != nil {
		log.WithError(err).Debug("unlock verification failed")
		return ErrWrongPassword
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	secret := crypto.CopySecret(password)

	g.mu.Lock()
	now := g.clock.Now()
	if g.state == Unlocked {
		g.touchLocked(now)
		g.mu.Unlock()
		secret.Destroy()
		return nil
	}
	g.state = Unlocked
	g.unlockedAt = now
	g.lastActivity = now
	g.password = secret
	g.mu.Unlock()

	log.Info("session unlocked")
	return nil
}

// Lock locks the session and destroys all held secrets. Locking a locked
// session is a no-op.
func (g *Guard) Lock() {
	g.lock(ReasonManual)
}

// Close locks the session for shutdown.
func (g *Guard) Close() {
	g.lock(ReasonClose)
}

func (g *Guard) lock(r Reason) bool {
	g.mu.Lock()
	if g.state == Locked {
		g.mu.Unlock()
		return false
	}
	secrets, hooks := g.detachLocked()
	g.mu.Unlock()

	g.finishLock(r, secrets, hooks)
	return true
}

// detachLocked moves the session to Locked and hands back everything that
// must be destroyed. g.mu must be held.
func (g *Guard) detachLocked() ([]*crypto.Secret, []func(Reason)) {
	secrets := make([]*crypto.Secret, 0, len(g.keys)+1)
	if g.password != nil {
		secrets = append(secrets, g.password)
	}
	for _, k := range g.keys {
		secrets = append(secrets, k)
	}
	g.password = nil
	g.keys = make(map[string]*crypto.Secret)
	g.state = Locked
	g.unlockedAt = time.Time{}

	hooks := make([]func(Reason), len(g.onLock))
	copy(hooks, g.onLock)
	return secrets, hooks
}

// finishLock destroys detached secrets. Destroy waits for any in-flight Use
// to return, so no secret outlives the lock call.
func (g *Guard) finishLock(r Reason, secrets []*crypto.Secret, hooks []func(Reason)) {
	for _, s := range secrets {
		s.Destroy()
	}
	log.WithField("reason", r).Info("session locked")
	for _, h := range hooks {
		h(r)
	}
}

// IsLocked reports whether the session is locked, locking it first if the
// idle timeout has elapsed.
func (g *Guard) IsLocked() bool {
	g.Tick()
	return g.State() == Locked
}

// State returns the current state without checking the timeout.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Info returns a snapshot of the session.
func (g *Guard) Info() Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Info{
		State:        g.state,
		UnlockedAt:   g.unlockedAt,
		LastActivity: g.lastActivity,
		Timeout:      g.timeout,
	}
}

// Tick locks the session if it has been idle for longer than the timeout. It
// reports whether it locked.
func (g *Guard) Tick() bool {
	g.mu.Lock()
	if g.state == Locked || !g.idleLocked(g.clock.Now()) {
		g.mu.Unlock()
		return false
	}
	secrets, hooks := g.detachLocked()
	g.mu.Unlock()

	g.finishLock(ReasonTimeout, secrets, hooks)
	return true
}

// Authorize admits one operation. It fails with ErrLocked while locked. If
// the idle timeout has elapsed it locks the session and fails with
// ErrSessionExpired. Otherwise it records the activity.
func (g *Guard) Authorize() error {
	g.mu.Lock()
	if g.state == Locked {
		g.mu.Unlock()
		return ErrLocked
	}
	now := g.clock.Now()
	if g.idleLocked(now) {
		secrets, hooks := g.detachLocked()
		g.mu.Unlock()
		g.finishLock(ReasonTimeout, secrets, hooks)
		return ErrSessionExpired
	}
	g.touchLocked(now)
	g.mu.Unlock()
	return nil
}

// Touch records activity on a live session and is otherwise a no-op.
func (g *Guard) Touch() {
	_ = g.Authorize()
}

// TimeUntilLock returns how long the session may stay idle before it locks,
// or zero when it is locked.
func (g *Guard) TimeUntilLock() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == Locked {
		return 0
	}
	left := g.timeout - g.clock.Now().Sub(g.lastActivity)
	if left < 0 {
		return 0
	}
	return left
}

func (g *Guard) idleLocked(now time.Time) bool {
	return now.Sub(g.lastActivity) > g.timeout
}

// touchLocked never moves lastActivity backwards.
func (g *Guard) touchLocked(now time.Time) {
	if now.After(g.lastActivity) {
		g.lastActivity = now
	}
}

// HoldKey stores a plaintext key under name. The guard takes ownership of
// key and wipes it on lock; a key already held under name is destroyed.
func (g *Guard) HoldKey(name string, key []byte) error {
	if err := g.Authorize(); err != nil {
		crypto.SecureWipe(key)
		return err
	}

	g.mu.Lock()
	if g.state == Locked {
		// Locked between Authorize and here.
		g.mu.Unlock()
		crypto.SecureWipe(key)
		return ErrLocked
	}
	old := g.keys[name]
	g.keys[name] = crypto.NewSecret(key)
	g.mu.Unlock()

	if old != nil {
		old.Destroy()
	}
	return nil
}

// DropKey destroys the key held under name, if any.
func (g *Guard) DropKey(name string) {
	g.mu.Lock()
	k := g.keys[name]
	delete(g.keys, name)
	g.mu.Unlock()

	if k != nil {
		k.Destroy()
	}
}

// HasKey reports whether a key is held under name.
func (g *Guard) HasKey(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[name]
	return ok
}

// WithKey authorizes and runs fn with the key held under name. fn must not
// retain the slice.
func (g *Guard) WithKey(name string, fn func(key []byte) error) error {
	if err := g.Authorize(); err != nil {
		return err
	}
	g.mu.Lock()
	k, ok := g.keys[name]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoKey, name)
	}
	return useSecret(k, fn)
}

// WithPassword authorizes and runs fn with the session password. fn must not
// retain the slice.
func (g *Guard) WithPassword(fn func(password []byte) error) error {
	if err := g.Authorize(); err != nil {
		return err
	}
	g.mu.Lock()
	p := g.password
	g.mu.Unlock()
	if p == nil {
		return ErrLocked
	}
	return useSecret(p, fn)
}

// useSecret maps a secret destroyed by a concurrent lock to ErrLocked.
func useSecret(s *crypto.Secret, fn func([]byte) error) error {
	err := s.Use(fn)
	if errors.Is(err, crypto.ErrSecretDestroyed) {
		return ErrLocked
	}
	return err
}

// Run checks for idle timeout every check interval until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	for {
		select {
		case <-g.clock.TickAfter(g.interval):
			g.Tick()
		case <-ctx.Done():
			return
		}
	}
}
