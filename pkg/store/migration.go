package store

import (
	"database/sql"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 is the original accounts and wallet_meta schema.
	SchemaVersion1 = 1
	// SchemaVersion2 adds the device column for hardware accounts.
	SchemaVersion2 = 2
	// SchemaVersion3 records which signer variant holds the key.
	SchemaVersion3 = 3
	// CurrentSchemaVersion is the current schema version.
	CurrentSchemaVersion = SchemaVersion3
)

// getSchemaVersion returns the stored schema version, or 0 for an empty
// database.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("store: failed to set schema version: %w", err)
	}
	return nil
}

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS wallet_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		password_check TEXT NOT NULL,
		current_account TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		address TEXT UNIQUE NOT NULL,
		nickname TEXT NOT NULL DEFAULT '',
		nickname_key TEXT UNIQUE,
		tags TEXT NOT NULL DEFAULT '[]',
		type TEXT NOT NULL,
		derivation_path TEXT NOT NULL DEFAULT '',
		keystore TEXT,
		seed_keystore TEXT,
		created_at INTEGER NOT NULL,
		last_used INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_created ON accounts(created_at);
	`,
	`
	ALTER TABLE accounts ADD COLUMN device TEXT NOT NULL DEFAULT '';
	`,
	`
	ALTER TABLE accounts ADD COLUMN signer TEXT NOT NULL DEFAULT 'software';
	`,
}

// migrateSchema migrates the database schema to the current version. Each
// step runs in its own transaction.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: database schema %d is newer than supported %d", version, CurrentSchemaVersion)
	}

	for v := version; v < CurrentSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("store: failed to begin migration: %w", err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: migration to version %d failed: %w", v+1, err)
		}
		if err := setSchemaVersion(tx, v+1); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: failed to commit migration: %w", err)
		}
		log.WithField("version", v+1).Debug("migrated schema")
	}
	return nil
}
