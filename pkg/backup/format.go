package backup

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
)

const (
	// FormatVersion is the current vault format version.
	FormatVersion = 1

	// MaxVaultSize bounds how much a vault read may allocate.
	MaxVaultSize = 64 * 1024 * 1024

	// FileMode is owner read/write only.
	FileMode = 0600
	// DirMode is owner read/write/execute only.
	DirMode = 0700
)

// Vault is a whole-wallet encrypted backup. Binary fields are hex encoded.
type Vault struct {
	Version    int                 `json:"version"`
	ID         string              `json:"id"`
	CreatedAt  time.Time           `json:"created_at"`
	KDF        crypto.Argon2Params `json:"kdf"`
	Salt       string              `json:"salt"`
	Nonce      string              `json:"nonce"`
	Ciphertext string              `json:"ciphertext"`
	WrapNonce  string              `json:"wrap_nonce"`
	WrappedKey string              `json:"wrapped_key"`
	HMAC       string              `json:"hmac"`
	Shares     *ShareSet           `json:"shamir_shares,omitempty"`
}

// ShareSet describes how the vault data key was split. Shares is emptied in
// the copy that is stored next to the vault.
type ShareSet struct {
	SetID     string  `json:"set_id"`
	Threshold int     `json:"threshold"`
	Total     int     `json:"total"`
	Shares    []Share `json:"shares,omitempty"`
}

// WithoutShares returns a copy of v that keeps the share parameters but not
// the shares themselves.
func (v *Vault) WithoutShares() *Vault {
	c := *v
	if v.Shares != nil {
		s := *v.Shares
		s.Shares = nil
		c.Shares = &s
	}
	return &c
}

// Record is one account as carried inside a vault. Key material stays in
// keystore form; the vault never holds a plaintext key.
type Record struct {
	ID             string                 `json:"id"`
	Address        string                 `json:"address"`
	Nickname       string                 `json:"nickname,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	Type           string                 `json:"type"`
	DerivationPath string                 `json:"derivation_path,omitempty"`
	Signer         string                 `json:"signer,omitempty"`
	Device         string                 `json:"device,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	Keystore       *keystore.EncryptedKey `json:"keystore,omitempty"`
	SeedKeystore   *keystore.EncryptedKey `json:"seed_keystore,omitempty"`
}

// Payload is the plaintext sealed inside a vault. The record keystores are
// encrypted under TransferKey rather than the wallet password, so a vault
// opened with its password or its shares alone yields usable accounts.
type Payload struct {
	Accounts       []Record `json:"accounts"`
	CurrentAccount string   `json:"current_account,omitempty"`
	TransferKey    []byte   `json:"transfer_key,omitempty"`
}

// Destroy wipes the transfer key.
func (p *Payload) Destroy() {
	crypto.SecureWipe(p.TransferKey)
	p.TransferKey = nil
}

// authenticatedFields lists, in fixed order, everything the HMAC covers.
func (v *Vault) authenticatedFields() [][]byte {
	kdf, _ := json.Marshal(v.KDF)
	fields := [][]byte{
		[]byte(strconv.Itoa(v.Version)),
		[]byte(v.ID),
		[]byte(v.CreatedAt.UTC().Format(time.RFC3339Nano)),
		kdf,
		[]byte(v.Salt),
		[]byte(v.Nonce),
		[]byte(v.WrapNonce),
		[]byte(v.WrappedKey),
		[]byte(v.Ciphertext),
	}
	if v.Shares != nil {
		fields = append(fields,
			[]byte(v.Shares.SetID),
			[]byte(strconv.Itoa(v.Shares.Threshold)),
			[]byte(strconv.Itoa(v.Shares.Total)))
	}
	return fields
}

type decodedVault struct {
	salt, nonce, ciphertext, wrapNonce, wrappedKey, hmac []byte
}

func (v *Vault) decode() (*decodedVault, error) {
	if v.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v.Version)
	}
	var d decodedVault
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", v.Salt, &d.salt},
		{"nonce", v.Nonce, &d.nonce},
		{"ciphertext", v.Ciphertext, &d.ciphertext},
		{"wrap_nonce", v.WrapNonce, &d.wrapNonce},
		{"wrapped_key", v.WrappedKey, &d.wrappedKey},
		{"hmac", v.HMAC, &d.hmac},
	} {
		b, err := hex.DecodeString(f.in)
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrMalformedVault, f.name)
		}
		*f.out = b
	}
	if len(d.salt) != SaltLength || len(d.hmac) != HMACLength {
		return nil, fmt.Errorf("%w: salt or hmac length", ErrMalformedVault)
	}
	if err := v.KDF.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVault, err)
	}
	return &d, nil
}

// Marshal encodes the vault as indented JSON.
func (v *Vault) Marshal() ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// Unmarshal parses vault JSON.
func Unmarshal(data []byte) (*Vault, error) {
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVault, err)
	}
	if v.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v.Version)
	}
	return &v, nil
}

// WriteFile writes the vault to path atomically.
func WriteFile(path string, v *Vault) error {
	data, err := v.Marshal()
	if err != nil {
		return fmt.Errorf("backup: failed to encode vault: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("backup: failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("backup: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: failed to write vault: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: failed to sync vault: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: failed to close vault: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// ReadFile reads and parses a vault file.
func ReadFile(path string) (*Vault, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to open vault: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxVaultSize+1))
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read vault: %w", err)
	}
	if len(data) > MaxVaultSize {
		return nil, fmt.Errorf("%w: vault larger than %d bytes", ErrMalformedVault, MaxVaultSize)
	}
	return Unmarshal(data)
}
