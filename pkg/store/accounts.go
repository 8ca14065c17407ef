package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forest6511/walletctl/pkg/keystore"

	"github.com/ethereum/go-ethereum/common"
)

// Account is one persisted account row.
type Account struct {
	ID             string
	Address        common.Address
	Nickname       string
	Tags           []string
	Type           string
	DerivationPath string
	Signer         string
	Device         string
	CreatedAt      time.Time
	LastUsed       time.Time

	// Keystore holds the encrypted private key; nil for hardware accounts.
	Keystore *keystore.EncryptedKey
	// SeedKeystore holds the encrypted mnemonic for seed accounts.
	SeedKeystore *keystore.EncryptedKey
}

const accountColumns = `id, address, nickname, tags, type, derivation_path, signer, device,
	keystore, seed_keystore, created_at, last_used`

// InsertAccount stores a new account.
func (s *Store) InsertAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return insertAccount(s.db, a)
}

// InsertAccounts stores all of accounts or none of them.
func (s *Store) InsertAccounts(accounts []*Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range accounts {
		if err := insertAccount(tx, a); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

func insertAccount(db execer, a *Account) error {
	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return fmt.Errorf("store: failed to marshal tags: %w", err)
	}
	ks, err := marshalKeystore(a.Keystore)
	if err != nil {
		return err
	}
	seed, err := marshalKeystore(a.SeedKeystore)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO accounts(id, address, nickname, nickname_key, tags, type,
			derivation_path, signer, device, keystore, seed_keystore, created_at, last_used)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, addressKey(a.Address), a.Nickname, nicknameKey(a.Nickname), string(tags), a.Type,
		a.DerivationPath, signerName(a.Signer), a.Device, ks, seed, a.CreatedAt.UnixNano(), unixNano(a.LastUsed))
	if err != nil {
		return mapAccountConstraint(err)
	}
	return nil
}

// UpdateAccount rewrites the mutable fields of an account: nickname, tags
// and last use. Address, type and key material never change.
func (s *Store) UpdateAccount(a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return fmt.Errorf("store: failed to marshal tags: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE accounts SET nickname = ?, nickname_key = ?, tags = ?, last_used = ?
		WHERE id = ?`,
		a.Nickname, nicknameKey(a.Nickname), string(tags), unixNano(a.LastUsed), a.ID)
	if err != nil {
		return mapAccountConstraint(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAccount records a use of the account.
func (s *Store) TouchAccount(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	res, err := s.db.Exec("UPDATE accounts SET last_used = ? WHERE id = ?", at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("store: failed to touch account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes the account row together with its encrypted key
// material. The current account pointer is cleared if it named id.
func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec("UPDATE wallet_meta SET current_account = '' WHERE current_account = ?", id); err != nil {
		return fmt.Errorf("store: failed to clear current account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// GetAccount returns the account with id.
func (s *Store) GetAccount(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return scanAccount(s.db.QueryRow("SELECT "+accountColumns+" FROM accounts WHERE id = ?", id))
}

// GetAccountByAddress returns the account holding addr.
func (s *Store) GetAccountByAddress(addr common.Address) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return scanAccount(s.db.QueryRow("SELECT "+accountColumns+" FROM accounts WHERE address = ?", addressKey(addr)))
}

// ListAccounts returns every account in creation order.
func (s *Store) ListAccounts() ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.Query("SELECT " + accountColumns + " FROM accounts ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate accounts: %w", err)
	}
	return out, nil
}

// ReplaceAll swaps the whole account set and the current pointer in one
// transaction. Used by backup restore.
func (s *Store) ReplaceAll(accounts []*Account, current string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM accounts"); err != nil {
		return fmt.Errorf("store: failed to clear accounts: %w", err)
	}
	for _, a := range accounts {
		if err := insertAccount(tx, a); err != nil {
			return err
		}
	}
	if err := setCurrent(tx, current); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                 Account
		addr, tags        string
		ks, seed          sql.NullString
		created, lastUsed int64
	)
	err := row.Scan(&a.ID, &addr, &a.Nickname, &tags, &a.Type, &a.DerivationPath, &a.Signer, &a.Device,
		&ks, &seed, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read account: %w", err)
	}

	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("%w: bad address for account %s", ErrDatabaseCorrupted, a.ID)
	}
	a.Address = common.HexToAddress(addr)
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("%w: bad tags for account %s", ErrDatabaseCorrupted, a.ID)
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	if lastUsed != 0 {
		a.LastUsed = time.Unix(0, lastUsed).UTC()
	}
	if a.Keystore, err = unmarshalKeystore(ks); err != nil {
		return nil, err
	}
	if a.SeedKeystore, err = unmarshalKeystore(seed); err != nil {
		return nil, err
	}
	return &a, nil
}

func marshalKeystore(k *keystore.EncryptedKey) (sql.NullString, error) {
	if k == nil {
		return sql.NullString{}, nil
	}
	b, err := k.Marshal()
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: failed to marshal keystore: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalKeystore(ns sql.NullString) (*keystore.EncryptedKey, error) {
	if !ns.Valid {
		return nil, nil
	}
	k, err := keystore.Unmarshal([]byte(ns.String))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupted, err)
	}
	return k, nil
}

// addressKey is the canonical lowercase form used for the unique index.
func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// nicknameKey makes nickname uniqueness case-insensitive. Empty nicknames
// are stored as NULL so any number of accounts may omit one.
func nicknameKey(n string) sql.NullString {
	if n == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: strings.ToLower(n), Valid: true}
}

func signerName(s string) string {
	if s == "" {
		return "software"
	}
	return s
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
