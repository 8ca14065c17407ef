package account

import (
	"context"
	"fmt"

	"github.com/forest6511/walletctl/pkg/audit"
	"github.com/forest6511/walletctl/pkg/backup"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/signer"
	"github.com/forest6511/walletctl/pkg/store"

	"github.com/ethereum/go-ethereum/common"
)

const transferKeyLength = 32

// BackupOptions configures CreateBackup.
type BackupOptions struct {
	// Split, when set, also produces recovery shares.
	Split *backup.SplitOptions
}

// CreateBackup seals every account into a vault protected by password.
// Account keystores are re-encrypted under a random transfer key carried
// inside the vault, so the vault restores with its password or its shares
// alone.
func (m *Manager) CreateBackup(ctx context.Context, password []byte, opts BackupOptions) (*backup.Vault, error) {
	var vault *backup.Vault
	err := m.do(ctx, audit.OpBackupCreate, func(o *operation) error {
		if err := m.guard.Authorize(); err != nil {
			return err
		}
		if err := m.policy.Check(password); err != nil {
			return err
		}
		pw, err := m.password()
		if err != nil {
			return err
		}
		defer pw.Destroy()

		tk, err := crypto.RandomBytes(transferKeyLength)
		if err != nil {
			return err
		}
		payload := &backup.Payload{TransferKey: tk}
		defer payload.Destroy()
		transfer := crypto.CopySecret(tk)
		defer transfer.Destroy()

		recs, err := m.store.ListAccounts()
		if err != nil {
			return mapStoreErr(err)
		}
		for _, rec := range recs {
			r := backup.Record{
				ID:             rec.ID,
				Address:        rec.Address.Hex(),
				Nickname:       rec.Nickname,
				Tags:           rec.Tags,
				Type:           rec.Type,
				DerivationPath: rec.DerivationPath,
				Signer:         rec.Signer,
				Device:         rec.Device,
				CreatedAt:      rec.CreatedAt,
			}
			if r.Keystore, err = m.rewrap(ctx, rec.Keystore, pw, transfer); err != nil {
				return err
			}
			if r.SeedKeystore, err = m.rewrap(ctx, rec.SeedKeystore, pw, transfer); err != nil {
				return err
			}
			payload.Accounts = append(payload.Accounts, r)
		}
		if payload.CurrentAccount, err = m.store.CurrentAccount(); err != nil {
			return mapStoreErr(err)
		}

		vault, err = backup.Create(payload, password, backup.Options{
			KDF:   m.cfg.BackupKDF,
			Split: opts.Split,
			Now:   m.clock.Now,
		})
		if err != nil {
			return err
		}
		o.ctx["accounts"] = len(payload.Accounts)
		o.ctx["split"] = opts.Split != nil
		return nil
	})
	return vault, err
}

// RestoreBackup replaces every account with the contents of v, opened with
// its password. token must come from Authorize(AuthRestore).
func (m *Manager) RestoreBackup(ctx context.Context, v *backup.Vault, password []byte, token AuthToken) ([]*Account, error) {
	return m.restore(ctx, token, func() (*backup.Payload, error) {
		return backup.Restore(v, password)
	})
}

// RestoreBackupWithShares is RestoreBackup using recovery shares instead of
// the vault password.
func (m *Manager) RestoreBackupWithShares(ctx context.Context, v *backup.Vault, shares []backup.Share, token AuthToken) ([]*Account, error) {
	return m.restore(ctx, token, func() (*backup.Payload, error) {
		return backup.RestoreWithShares(v, shares)
	})
}

func (m *Manager) restore(ctx context.Context, token AuthToken, open func() (*backup.Payload, error)) ([]*Account, error) {
	var restored []*Account
	err := m.do(ctx, audit.OpBackupRestore, func(o *operation) error {
		if err := m.consume(AuthRestore, token); err != nil {
			return err
		}
		payload, err := open()
		if err != nil {
			return err
		}
		defer payload.Destroy()
		if len(payload.TransferKey) == 0 {
			return fmt.Errorf("%w: missing transfer key", backup.ErrMalformedVault)
		}

		pw, err := m.password()
		if err != nil {
			return err
		}
		defer pw.Destroy()
		transfer := crypto.CopySecret(payload.TransferKey)
		defer transfer.Destroy()

		recs := make([]*store.Account, 0, len(payload.Accounts))
		for i := range payload.Accounts {
			rec, err := m.restoreRecord(ctx, &payload.Accounts[i], transfer, pw)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}

		old, err := m.store.ListAccounts()
		if err != nil {
			return mapStoreErr(err)
		}
		if err := m.store.ReplaceAll(recs, payload.CurrentAccount); err != nil {
			return mapStoreErr(err)
		}

		ids := make([]string, len(old))
		for i, rec := range old {
			ids[i] = rec.ID
		}
		m.dropKeys(ids)
		m.accounts.Clear()
		m.balances.Clear()
		m.mu.Lock()
		m.hardware = make(map[common.Address]signer.Hardware)
		m.mu.Unlock()

		for _, rec := range recs {
			a, err := m.cacheRecord(rec)
			if err != nil {
				return err
			}
			restored = append(restored, a)
		}
		o.ctx["accounts"] = len(recs)
		return nil
	})
	return restored, err
}

// restoreRecord validates r and moves its keystores from the transfer key
// to the session password.
func (m *Manager) restoreRecord(ctx context.Context, r *backup.Record, transfer, pw *crypto.Secret) (*store.Account, error) {
	if !common.IsHexAddress(r.Address) {
		return nil, fmt.Errorf("%w: invalid account address", backup.ErrMalformedVault)
	}
	nickname, tags, err := normalizeMeta(r.Nickname, r.Tags)
	if err != nil {
		return nil, err
	}
	rec := &store.Account{
		ID:             r.ID,
		Address:        common.HexToAddress(r.Address),
		Nickname:       nickname,
		Tags:           tags,
		Type:           r.Type,
		DerivationPath: r.DerivationPath,
		Signer:         r.Signer,
		Device:         r.Device,
		CreatedAt:      r.CreatedAt,
	}
	if _, err := fromRecord(rec); err != nil {
		return nil, err
	}
	switch Type(r.Type) {
	case TypeSeed, TypePrivateKey:
		if r.Keystore == nil {
			return nil, fmt.Errorf("%w: account without keystore", backup.ErrMalformedVault)
		}
	case TypeHardware:
	default:
		return nil, fmt.Errorf("%w: unknown account type", backup.ErrMalformedVault)
	}

	if rec.Keystore, err = m.rewrap(ctx, r.Keystore, transfer, pw); err != nil {
		return nil, err
	}
	if rec.SeedKeystore, err = m.rewrap(ctx, r.SeedKeystore, transfer, pw); err != nil {
		return nil, err
	}
	return rec, nil
}

// rewrap decrypts ks under from and encrypts it again under to. A nil ks
// stays nil.
func (m *Manager) rewrap(ctx context.Context, ks *keystore.EncryptedKey, from, to *crypto.Secret) (*keystore.EncryptedKey, error) {
	if ks == nil {
		return nil, nil
	}
	secret, err := m.engine.Decrypt(ctx, ks, from)
	if err != nil {
		return nil, err
	}
	defer secret.Destroy()

	out, err := m.engine.Encrypt(ctx, secret, to)
	if err != nil {
		return nil, err
	}
	if ks.HasAddress() {
		out.SetAddress(ks.AccountAddress())
	}
	return out, nil
}
