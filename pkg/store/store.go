// Package store persists account records and wallet metadata in SQLite.
//
// Key material is only ever stored in encrypted keystore form. Addresses,
// nicknames and tags are plaintext so accounts can be listed while the
// wallet is locked.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/walletctl/pkg/keystore"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var log = logrus.WithField("prefix", "store")

const (
	DBFileName   = "wallet.db"
	MetaFileName = "wallet.meta"
	LockFileName = "wallet.lock"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// FormatVersion is written to wallet.meta.
	FormatVersion = "1.0.0"
)

var (
	ErrAlreadyInitialized = errors.New("store: wallet already initialized")
	ErrNotInitialized     = errors.New("store: wallet not initialized")
	ErrNotFound           = errors.New("store: account not found")
	ErrDuplicateAddress   = errors.New("store: an account with this address already exists")
	ErrDuplicateNickname  = errors.New("store: nickname already in use")
	ErrDuplicateID        = errors.New("store: account id already exists")
	ErrClosed             = errors.New("store: closed")
	ErrDatabaseCorrupted  = errors.New("store: database is corrupted")
)

// Meta is the plaintext wallet.meta file.
type Meta struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the wallet database in one directory.
type Store struct {
	path  string
	db    *sql.DB
	clock clock.Clock
	mu    sync.RWMutex
}

// Open opens (creating if needed) the wallet database under dir and
// migrates it to the current schema. A nil clk uses the system clock.
func Open(dir string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	pragmas := make(url.Values)
	for _, p := range []string{"foreign_keys=on", "journal_mode=WAL", "busy_timeout=5000", "synchronous=full"} {
		pragmas.Add("_pragma", p)
	}
	db, err := sql.Open("sqlite", dbPath+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	// Single connection avoids "database is locked" under CLI-style use.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to set database permissions: %w", err)
	}

	s := &Store{path: dir, db: db, clock: clk}
	s.checkAndWarnPermissions()
	return s, nil
}

// Path returns the wallet directory.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Initialized reports whether InitWallet has run.
func (s *Store) Initialized() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, ErrClosed
	}
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM wallet_meta").Scan(&n); err != nil {
		return false, fmt.Errorf("store: failed to read wallet meta: %w", err)
	}
	return n > 0, nil
}

// InitWallet records the password check keystore and writes wallet.meta.
// The check keystore encrypts random bytes under the wallet password and
// is what Unlock verifies against.
func (s *Store) InitWallet(check *keystore.EncryptedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	blob, err := check.Marshal()
	if err != nil {
		return fmt.Errorf("store: failed to marshal password check: %w", err)
	}
	now := s.clock.Now().UTC()
	_, err = s.db.Exec(
		"INSERT INTO wallet_meta(id, password_check, current_account, created_at) VALUES(1, ?, '', ?)",
		string(blob), now.UnixNano())
	if err != nil {
		if isUnique(err) {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("store: failed to save wallet meta: %w", err)
	}

	meta := Meta{Version: FormatVersion, CreatedAt: now}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.path, MetaFileName), metaJSON, FileMode); err != nil {
		return fmt.Errorf("store: failed to write metadata file: %w", err)
	}
	return nil
}

// ReadMeta reads wallet.meta.
func (s *Store) ReadMeta() (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(s.path, MetaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("store: failed to read metadata: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("store: metadata is corrupted: %w", err)
	}
	return &m, nil
}

// PasswordCheck returns the keystore that verifies the wallet password.
func (s *Store) PasswordCheck() (*keystore.EncryptedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	var blob string
	err := s.db.QueryRow("SELECT password_check FROM wallet_meta WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read password check: %w", err)
	}
	k, err := keystore.Unmarshal([]byte(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseCorrupted, err)
	}
	return k, nil
}

// CurrentAccount returns the id of the current account, or "" if none.
func (s *Store) CurrentAccount() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrClosed
	}
	var id string
	err := s.db.QueryRow("SELECT current_account FROM wallet_meta WHERE id = 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotInitialized
	}
	if err != nil {
		return "", fmt.Errorf("store: failed to read current account: %w", err)
	}
	return id, nil
}

// SetCurrentAccount records id as current. An empty id clears it.
func (s *Store) SetCurrentAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return setCurrent(s.db, id)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func setCurrent(db execer, id string) error {
	res, err := db.Exec("UPDATE wallet_meta SET current_account = ? WHERE id = 1", id)
	if err != nil {
		return fmt.Errorf("store: failed to set current account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotInitialized
	}
	return nil
}

// CheckIntegrity runs SQLite's integrity check.
func (s *Store) CheckIntegrity() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrDatabaseCorrupted, result)
	}
	return nil
}

// checkAndWarnPermissions warns when the wallet files are readable by
// others. Advisory only.
func (s *Store) checkAndWarnPermissions() {
	if info, err := os.Stat(s.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			log.Warnf("wallet directory has insecure permissions %04o (expected 0700)", perm)
		}
	}
	for _, name := range []string{DBFileName, MetaFileName} {
		if info, err := os.Stat(filepath.Join(s.path, name)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				log.Warnf("%s has insecure permissions %04o (expected 0600)", name, perm)
			}
		}
	}
}

// isUnique reports whether err is a UNIQUE or PRIMARY KEY violation.
func isUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// mapAccountConstraint turns a constraint violation on the accounts table
// into the matching sentinel.
func mapAccountConstraint(err error) error {
	if !isUnique(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "accounts.address"):
		return ErrDuplicateAddress
	case strings.Contains(msg, "accounts.nickname_key"):
		return ErrDuplicateNickname
	case strings.Contains(msg, "accounts.id"):
		return ErrDuplicateID
	}
	return err
}
