package account

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/forest6511/walletctl/pkg/audit"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/store"
)

// Operation names what an AuthToken permits.
type Operation string

// Operations that need fresh password confirmation.
const (
	AuthExportKey  Operation = "export_key"
	AuthExportSeed Operation = "export_seed"
	AuthRemove     Operation = "remove_account"
	AuthRestore    Operation = "restore_backup"
)

func (op Operation) valid() bool {
	switch op {
	case AuthExportKey, AuthExportSeed, AuthRemove, AuthRestore:
		return true
	}
	return false
}

// AuthToken is a single-use grant for one Operation. Tokens are dropped
// when the wallet locks.
type AuthToken string

type grant struct {
	op      Operation
	expires time.Time
}

const tokenBytes = 32

// Authorize re-checks password and returns a token for op. The wallet must
// be unlocked.
func (m *Manager) Authorize(ctx context.Context, op Operation, password []byte) (AuthToken, error) {
	var token AuthToken
	err := m.do(ctx, audit.OpAuthGrant, func(o *operation) error {
		o.ctx["operation"] = string(op)
		if !op.valid() {
			return fmt.Errorf("%w: unknown operation %q", ErrUnsupported, op)
		}
		if err := m.guard.Authorize(); err != nil {
			return err
		}
		if _, err := m.store.CheckCooldown(); err != nil {
			if errors.Is(err, store.ErrCooldownActive) {
				return ErrCooldown
			}
			return err
		}

		key, err := m.checkPassword(ctx, password)
		if err != nil {
			if !errors.Is(err, keystore.ErrAuthenticationFailed) {
				return err
			}
			if _, rerr := m.store.RecordFailedAttempt(); rerr != nil {
				log.WithError(rerr).Warn("failed to record authorization attempt")
			}
			return ErrWrongPassword
		}
		key.Destroy()

		raw, err := crypto.RandomBytes(tokenBytes)
		if err != nil {
			return err
		}
		token = AuthToken(hex.EncodeToString(raw))

		m.mu.Lock()
		m.tokens[token] = grant{op: op, expires: m.clock.Now().Add(m.cfg.TokenTTL)}
		m.mu.Unlock()
		return nil
	})
	return token, err
}

// consume spends token for op. A token is gone after one use whether or not
// it matched.
func (m *Manager) consume(op Operation, token AuthToken) error {
	if err := m.guard.Authorize(); err != nil {
		return err
	}

	m.mu.Lock()
	g, ok := m.tokens[token]
	delete(m.tokens, token)
	m.mu.Unlock()

	switch {
	case !ok:
		return ErrInvalidToken
	case g.op != op:
		return fmt.Errorf("%w: issued for %s", ErrInvalidToken, g.op)
	case !m.clock.Now().Before(g.expires):
		return fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return nil
}

func (m *Manager) clearTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = make(map[AuthToken]grant)
}

func (m *Manager) purgeTokens() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, g := range m.tokens {
		if !now.Before(g.expires) {
			delete(m.tokens, t)
		}
	}
}

// keyName is the session slot for an account's decrypted key.
func keyName(id string) string {
	return "account:" + id
}

// dropKeys wipes the decrypted keys of accounts.
func (m *Manager) dropKeys(ids []string) {
	for _, id := range ids {
		m.guard.DropKey(keyName(id))
	}
}
