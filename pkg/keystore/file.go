package keystore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// FileMode is owner read/write only.
	FileMode = 0600

	// maxFileSize bounds keystore reads; real files are under 1 KB.
	maxFileSize = 64 * 1024
)

// FileName returns the geth-style file name
// "UTC--<created>--<address>" for a keystore.
func FileName(k *EncryptedKey, created time.Time) string {
	ts := created.UTC().Format("2006-01-02T15-04-05.000000000Z")
	name := k.Address
	if name == "" {
		name = k.ID
	}
	return fmt.Sprintf("UTC--%s--%s", ts, strings.ToLower(name))
}

// WriteFile writes k to path atomically with 0600 permissions.
func WriteFile(path string, k *EncryptedKey) error {
	data, err := k.Marshal()
	if err != nil {
		return fmt.Errorf("keystore: failed to encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("keystore: failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return fmt.Errorf("keystore: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: failed to write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: failed to sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: failed to close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("keystore: failed to move into place: %w", err)
	}
	return nil
}

// ReadFile reads and parses a keystore file.
func ReadFile(path string) (*EncryptedKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to open: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to read: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("%w: file larger than %d bytes", ErrMalformed, maxFileSize)
	}
	return Unmarshal(data)
}
