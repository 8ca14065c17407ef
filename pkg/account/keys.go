package account

import (
	"context"
	"fmt"

	"github.com/forest6511/walletctl/pkg/audit"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/signer"
	"github.com/forest6511/walletctl/pkg/store"

	"github.com/ethereum/go-ethereum/common"
)

// Signer returns the signer for an account. Software keys are decrypted
// into the session on first use; hardware accounts need their device
// attached.
func (m *Manager) Signer(ctx context.Context, id string) (signer.Signer, error) {
	if err := m.guard.Authorize(); err != nil {
		return nil, err
	}
	a, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.signerFor(a)
}

func (m *Manager) signerFor(a *Account) (signer.Signer, error) {
	if a.Type != TypeHardware {
		return signer.NewSoftware(a.Address, signer.KeySourceFunc(m.withKey)), nil
	}
	m.mu.Lock()
	h, ok := m.hardware[a.Address]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotAttached, a.Device)
	}
	return h, nil
}

// SignHash signs a 32-byte digest with the account's key and returns a
// 65-byte [R || S || V] signature.
func (m *Manager) SignHash(ctx context.Context, id string, hash [32]byte) ([]byte, error) {
	var sig []byte
	err := m.do(ctx, audit.OpAccountSign, func(o *operation) error {
		if err := m.guard.Authorize(); err != nil {
			return err
		}
		a, err := m.lookup(id)
		if err != nil {
			return err
		}
		o.account = a.Address.Hex()
		o.ctx["signer"] = a.Signer.String()

		s, err := m.signerFor(a)
		if err != nil {
			return err
		}
		sig, err = s.SignHash(ctx, hash)
		if err != nil {
			return err
		}

		if err := m.store.TouchAccount(id, m.clock.Now()); err != nil {
			log.WithError(err).Warn("failed to record account use")
		}
		m.accounts.Invalidate(id)
		return nil
	})
	return sig, err
}

// withKey is the KeySource behind software signers. The key stays in the
// session until the wallet locks.
func (m *Manager) withKey(ctx context.Context, addr common.Address, f func(key []byte) error) error {
	rec, err := m.store.GetAccountByAddress(addr)
	if err != nil {
		return mapStoreErr(err)
	}
	name := keyName(rec.ID)
	if !m.guard.HasKey(name) {
		if err := m.loadKey(ctx, name, rec.Keystore); err != nil {
			return err
		}
	}
	return m.guard.WithKey(name, f)
}

func (m *Manager) loadKey(ctx context.Context, name string, ks *keystore.EncryptedKey) error {
	if ks == nil {
		return ErrUnsupported
	}
	key, err := m.decrypt(ctx, ks)
	if err != nil {
		return err
	}
	defer key.Destroy()

	var raw []byte
	if err := key.Use(func(b []byte) error {
		raw = make([]byte, len(b))
		copy(raw, b)
		return nil
	}); err != nil {
		return err
	}
	return m.guard.HoldKey(name, raw)
}

// decrypt opens ks with the session password.
func (m *Manager) decrypt(ctx context.Context, ks *keystore.EncryptedKey) (*crypto.Secret, error) {
	pw, err := m.password()
	if err != nil {
		return nil, err
	}
	defer pw.Destroy()
	return m.engine.Decrypt(ctx, ks, pw)
}

// ExportPrivateKey returns an account's raw private key. token must come
// from Authorize(AuthExportKey). The caller owns the secret.
func (m *Manager) ExportPrivateKey(ctx context.Context, id string, token AuthToken) (*crypto.Secret, error) {
	return m.export(ctx, audit.OpAccountExportKey, AuthExportKey, id, token,
		func(rec *store.Account) *keystore.EncryptedKey { return rec.Keystore })
}

// ExportSeed returns the recovery phrase of a seed account. token must come
// from Authorize(AuthExportSeed). The caller owns the secret.
func (m *Manager) ExportSeed(ctx context.Context, id string, token AuthToken) (*crypto.Secret, error) {
	return m.export(ctx, audit.OpAccountExportSeed, AuthExportSeed, id, token,
		func(rec *store.Account) *keystore.EncryptedKey { return rec.SeedKeystore })
}

func (m *Manager) export(ctx context.Context, op string, auth Operation, id string, token AuthToken,
	pick func(*store.Account) *keystore.EncryptedKey) (*crypto.Secret, error) {

	var secret *crypto.Secret
	err := m.do(ctx, op, func(o *operation) error {
		if err := m.consume(auth, token); err != nil {
			return err
		}
		rec, err := m.store.GetAccount(id)
		if err != nil {
			return mapStoreErr(err)
		}
		o.account = rec.Address.Hex()

		ks := pick(rec)
		if ks == nil {
			return fmt.Errorf("%w: %s account", ErrUnsupported, rec.Type)
		}
		secret, err = m.decrypt(ctx, ks)
		return err
	})
	return secret, err
}
