package account

import (
	"context"
	"fmt"

	"github.com/forest6511/walletctl/pkg/audit"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/importer"
	"github.com/forest6511/walletctl/pkg/signer"
	"github.com/forest6511/walletctl/pkg/store"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// CreateOptions configures CreateAccount.
type CreateOptions struct {
	Nickname string
	Tags     []string
	// Strength defaults to hdkey.Words12.
	Strength hdkey.Strength
	// DerivationPath defaults to importer.DefaultPath.
	DerivationPath string
}

// Created is a new account together with its recovery phrase. The caller
// owns Mnemonic and must Destroy it once shown.
type Created struct {
	Account  *Account
	Mnemonic *crypto.Secret
}

// CreateAccount generates a seed phrase, derives the first key from it and
// stores both encrypted under the session password.
func (m *Manager) CreateAccount(ctx context.Context, opts CreateOptions) (*Created, error) {
	var created *Created
	err := m.do(ctx, audit.OpAccountCreate, func(o *operation) error {
		nickname, tags, err := normalizeMeta(opts.Nickname, opts.Tags)
		if err != nil {
			return err
		}
		strength := opts.Strength
		if strength == 0 {
			strength = hdkey.Words12
		}
		pathText := opts.DerivationPath
		if pathText == "" {
			pathText = importer.DefaultPath
		}
		path, err := hdkey.ParsePath(pathText)
		if err != nil {
			return &ValidationError{Field: "derivation_path", Rule: RuleCharset}
		}

		pw, err := m.password()
		if err != nil {
			return err
		}
		defer pw.Destroy()

		phrase, err := hdkey.NewMnemonic(strength)
		if err != nil {
			return err
		}
		mnemonic := crypto.CopySecret([]byte(phrase))
		ok := false
		defer func() {
			if !ok {
				mnemonic.Destroy()
			}
		}()

		seed, err := hdkey.Seed(phrase, "")
		if err != nil {
			return err
		}
		key, err := hdkey.DeriveKey(seed, path)
		crypto.SecureWipe(seed)
		if err != nil {
			return err
		}
		addr := ethcrypto.PubkeyToAddress(key.PublicKey)
		ks, err := m.engine.EncryptKey(ctx, key, pw)
		hdkey.Zero(key)
		if err != nil {
			return err
		}
		seedKs, err := m.engine.Encrypt(ctx, mnemonic, pw)
		if err != nil {
			return err
		}

		rec := &store.Account{
			ID:             uuid.NewString(),
			Address:        addr,
			Nickname:       nickname,
			Tags:           tags,
			Type:           string(TypeSeed),
			DerivationPath: path.String(),
			Signer:         signer.KindSoftware.String(),
			CreatedAt:      m.clock.Now(),
			Keystore:       ks,
			SeedKeystore:   seedKs,
		}
		o.account = addr.Hex()
		if err := m.store.InsertAccount(rec); err != nil {
			return mapStoreErr(err)
		}
		a, err := m.cacheRecord(rec)
		if err != nil {
			return err
		}
		m.event(ctx, o, "account created", telemetry.Fields{
			"account_id": a.ID,
			"address":    addr.Hex(),
			"words":      strength.Words(),
		})
		created = &Created{Account: a, Mnemonic: mnemonic}
		ok = true
		return nil
	})
	return created, err
}

// ImportOptions configures ImportAccount.
type ImportOptions struct {
	// Nickname names the first imported account; later ones get a numeric
	// suffix.
	Nickname string
	Tags     []string

	importer.Options
}

// Imported is the result of ImportAccount.
type Imported struct {
	Accounts []*Account
	Warnings []string
}

// ImportAccount imports a seed phrase, raw private key or keystore file.
// Every derived account is stored, or none is.
func (m *Manager) ImportAccount(ctx context.Context, data []byte, opts ImportOptions) (*Imported, error) {
	var out *Imported
	err := m.do(ctx, audit.OpAccountImport, func(o *operation) error {
		nickname, tags, err := normalizeMeta(opts.Nickname, opts.Tags)
		if err != nil {
			return err
		}
		pw, err := m.password()
		if err != nil {
			return err
		}
		defer pw.Destroy()

		res, err := importer.Import(data, opts.Options)
		if err != nil {
			return err
		}
		defer res.Destroy()
		if len(res.Accounts) == 0 {
			return fmt.Errorf("%w: no accounts found", importer.ErrEmptyInput)
		}
		o.ctx["format"] = string(res.Accounts[0].Format)
		o.ctx["count"] = len(res.Accounts)
		o.account = res.Accounts[0].Address.Hex()

		recs := make([]*store.Account, 0, len(res.Accounts))
		for i, ia := range res.Accounts {
			rec, err := m.importRecord(ctx, ia, pw)
			if err != nil {
				return err
			}
			rec.Tags = tags
			if nickname != "" {
				rec.Nickname = nickname
				if i > 0 {
					rec.Nickname, err = suffixedNickname(nickname, i+1)
					if err != nil {
						return err
					}
				}
			}
			recs = append(recs, rec)
		}
		if err := m.store.InsertAccounts(recs); err != nil {
			return mapStoreErr(err)
		}

		out = &Imported{Warnings: res.Warnings}
		for _, rec := range recs {
			a, err := m.cacheRecord(rec)
			if err != nil {
				return err
			}
			out.Accounts = append(out.Accounts, a)
		}
		m.event(ctx, o, "accounts imported", telemetry.Fields{
			"format": string(res.Accounts[0].Format),
			"count":  len(recs),
		})
		return nil
	})
	return out, err
}

func (m *Manager) importRecord(ctx context.Context, ia *importer.Account, pw *crypto.Secret) (*store.Account, error) {
	ks, err := m.engine.Encrypt(ctx, ia.Key, pw)
	if err != nil {
		return nil, err
	}
	ks.SetAddress(ia.Address)

	rec := &store.Account{
		ID:             uuid.NewString(),
		Address:        ia.Address,
		Type:           string(TypePrivateKey),
		DerivationPath: ia.DerivationPath,
		Signer:         signer.KindSoftware.String(),
		CreatedAt:      m.clock.Now(),
		Keystore:       ks,
	}
	if ia.Mnemonic != nil {
		rec.Type = string(TypeSeed)
		rec.SeedKeystore, err = m.engine.Encrypt(ctx, ia.Mnemonic, pw)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// HardwareOptions configures AddHardwareAccount.
type HardwareOptions struct {
	Nickname string
	Tags     []string
}

// AddHardwareAccount registers a connected hardware signer. Only the
// address, path and device name are stored.
func (m *Manager) AddHardwareAccount(ctx context.Context, h signer.Hardware, opts HardwareOptions) (*Account, error) {
	var a *Account
	err := m.do(ctx, audit.OpAccountAddHardware, func(o *operation) error {
		if err := m.guard.Authorize(); err != nil {
			return err
		}
		nickname, tags, err := normalizeMeta(opts.Nickname, opts.Tags)
		if err != nil {
			return err
		}
		o.account = h.Address().Hex()
		o.ctx["signer"] = h.Kind().String()

		rec := &store.Account{
			ID:             uuid.NewString(),
			Address:        h.Address(),
			Nickname:       nickname,
			Tags:           tags,
			Type:           string(TypeHardware),
			DerivationPath: h.DerivationPath().String(),
			Signer:         h.Kind().String(),
			Device:         h.DeviceName(),
			CreatedAt:      m.clock.Now(),
		}
		if err := m.store.InsertAccount(rec); err != nil {
			return mapStoreErr(err)
		}
		m.mu.Lock()
		m.hardware[h.Address()] = h
		m.mu.Unlock()

		a, err = m.cacheRecord(rec)
		return err
	})
	return a, err
}

// AttachDevice reconnects the hardware accounts registered on dev and
// returns how many were attached. Each address is re-derived and checked.
func (m *Manager) AttachDevice(ctx context.Context, dev signer.Device) (int, error) {
	attached := 0
	err := m.track(ctx, "account.attach_device", func(s *telemetry.Span) error {
		recs, err := m.store.ListAccounts()
		if err != nil {
			return mapStoreErr(err)
		}
		for _, rec := range recs {
			if rec.Type != string(TypeHardware) || rec.Device != dev.Name() {
				continue
			}
			kind, err := signer.ParseKind(rec.Signer)
			if err != nil {
				return err
			}
			path, err := hdkey.ParsePath(rec.DerivationPath)
			if err != nil {
				return err
			}
			h, err := signer.Connect(ctx, kind, dev, path)
			if err != nil {
				return err
			}
			if h.Address() != rec.Address {
				return &signer.Error{Signer: kind, Kind: signer.ErrDerivationPathMismatch}
			}
			m.mu.Lock()
			m.hardware[rec.Address] = h
			m.mu.Unlock()
			attached++
		}
		return nil
	})
	return attached, err
}

// RemoveAccount deletes an account. token must come from
// Authorize(AuthRemove).
func (m *Manager) RemoveAccount(ctx context.Context, id string, token AuthToken) error {
	return m.do(ctx, audit.OpAccountRemove, func(o *operation) error {
		if err := m.consume(AuthRemove, token); err != nil {
			return err
		}
		rec, err := m.store.GetAccount(id)
		if err != nil {
			return mapStoreErr(err)
		}
		o.account = rec.Address.Hex()
		if err := m.store.DeleteAccount(id); err != nil {
			return mapStoreErr(err)
		}

		m.guard.DropKey(keyName(id))
		m.accounts.Invalidate(id)
		m.balances.Invalidate(rec.Address)
		m.mu.Lock()
		delete(m.hardware, rec.Address)
		m.mu.Unlock()
		return nil
	})
}

// ListAccounts returns every account in creation order.
func (m *Manager) ListAccounts(ctx context.Context) ([]*Account, error) {
	var list []*Account
	err := m.track(ctx, "account.list", func(*telemetry.Span) error {
		recs, err := m.store.ListAccounts()
		if err != nil {
			return mapStoreErr(err)
		}
		list = make([]*Account, 0, len(recs))
		for _, rec := range recs {
			a, err := m.cacheRecord(rec)
			if err != nil {
				return err
			}
			list = append(list, a)
		}
		return nil
	})
	return list, err
}

// GetAccount returns the account with id, from the cache when possible.
func (m *Manager) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a *Account
	err := m.track(ctx, "account.get", func(*telemetry.Span) error {
		var err error
		a, err = m.lookup(id)
		return err
	})
	return a, err
}

// GetAccountByAddress returns the account holding addr.
func (m *Manager) GetAccountByAddress(ctx context.Context, addr common.Address) (*Account, error) {
	var a *Account
	err := m.track(ctx, "account.get", func(*telemetry.Span) error {
		rec, err := m.store.GetAccountByAddress(addr)
		if err != nil {
			return mapStoreErr(err)
		}
		a, err = m.cacheRecord(rec)
		return err
	})
	return a, err
}

// SetCurrentAccount selects the account later commands default to.
func (m *Manager) SetCurrentAccount(ctx context.Context, id string) error {
	return m.do(ctx, audit.OpAccountSelect, func(o *operation) error {
		a, err := m.lookup(id)
		if err != nil {
			return err
		}
		o.account = a.Address.Hex()
		return mapStoreErr(m.store.SetCurrentAccount(id))
	})
}

// CurrentAccount returns the selected account, or ErrNotFound when none is
// selected.
func (m *Manager) CurrentAccount(ctx context.Context) (*Account, error) {
	id, err := m.store.CurrentAccount()
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if id == "" {
		return nil, ErrNotFound
	}
	return m.GetAccount(ctx, id)
}

// Rename changes an account's nickname. An empty nickname clears it.
func (m *Manager) Rename(ctx context.Context, id, nickname string) (*Account, error) {
	return m.update(ctx, audit.OpAccountRename, id, func(rec *store.Account) error {
		n, err := NormalizeNickname(nickname)
		if err != nil {
			return err
		}
		rec.Nickname = n
		return nil
	})
}

// SetTags replaces an account's tags.
func (m *Manager) SetTags(ctx context.Context, id string, tags []string) (*Account, error) {
	return m.update(ctx, audit.OpAccountTags, id, func(rec *store.Account) error {
		t, err := NormalizeTags(tags)
		if err != nil {
			return err
		}
		rec.Tags = t
		return nil
	})
}

func (m *Manager) update(ctx context.Context, op, id string, apply func(*store.Account) error) (*Account, error) {
	var a *Account
	err := m.do(ctx, op, func(o *operation) error {
		if err := m.guard.Authorize(); err != nil {
			return err
		}
		rec, err := m.store.GetAccount(id)
		if err != nil {
			return mapStoreErr(err)
		}
		o.account = rec.Address.Hex()
		if err := apply(rec); err != nil {
			return err
		}
		if err := m.store.UpdateAccount(rec); err != nil {
			return mapStoreErr(err)
		}
		a, err = m.cacheRecord(rec)
		return err
	})
	return a, err
}

// lookup consults the cache before the store.
func (m *Manager) lookup(id string) (*Account, error) {
	if a, ok := m.accounts.Get(id); ok {
		return a.clone(), nil
	}
	rec, err := m.store.GetAccount(id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return m.cacheRecord(rec)
}

// cacheRecord converts rec, caches it and returns a copy the caller may
// keep.
func (m *Manager) cacheRecord(rec *store.Account) (*Account, error) {
	a, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	m.accounts.Put(a.ID, a)
	return a.clone(), nil
}

// track runs f in a span without an audit record.
func (m *Manager) track(ctx context.Context, name string, f func(*telemetry.Span) error) error {
	return m.tel.Track(ctx, name, fn.None[telemetry.CorrelationID](), f)
}

func normalizeMeta(nickname string, tags []string) (string, []string, error) {
	n, err := NormalizeNickname(nickname)
	if err != nil {
		return "", nil, err
	}
	t, err := NormalizeTags(tags)
	if err != nil {
		return "", nil, err
	}
	return n, t, nil
}
