// Package backup builds and restores whole-wallet encrypted vaults.
//
// Features:
//   - Random per-vault data key, wrapped with an Argon2id password key
//   - AES-256-GCM payload encryption with HKDF-separated keys
//   - HMAC-SHA256 over every vault field, verified before decryption
//   - Optional threshold splitting of the data key into recovery shares
//   - Atomic file writes
//
// Security:
//   - Salt, nonce and wrap nonce are generated fresh for each vault
//   - Restore never decrypts a payload whose HMAC did not verify
//   - Intermediate keys are cleared from memory with SecureWipe
package backup

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "backup")

// SplitOptions requests threshold splitting of the vault data key.
type SplitOptions struct {
	Threshold int
	Total     int
}

// Options configures vault creation.
type Options struct {
	// KDF overrides the Argon2id cost. Zero means crypto defaults.
	KDF crypto.Argon2Params
	// Split, when set, also emits recovery shares.
	Split *SplitOptions
	// Now overrides the creation timestamp source.
	Now func() time.Time
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the vault passed all integrity checks.
	Valid bool
	// Version is the vault format version.
	Version int
	// CreatedAt is when the vault was created.
	CreatedAt time.Time
	// AccountCount is the number of accounts in the vault.
	AccountCount int
	// Split indicates recovery shares exist for this vault.
	Split bool
	// Error is set if verification failed.
	Error string
}

// Create encrypts payload into a new vault.
func Create(payload *Payload, password []byte, opts Options) (*Vault, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	params := opts.KDF
	if params == (crypto.Argon2Params{}) {
		params = crypto.DefaultArgon2Params()
	}
	params.KeyLength = KeyLength
	if err := params.Validate(); err != nil {
		return nil, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode payload: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return nil, err
	}
	dataKey, err := crypto.RandomBytes(KeyLength)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(dataKey)

	v := &Vault{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		CreatedAt: now().UTC(),
		KDF:       params,
		Salt:      hex.EncodeToString(salt),
	}

	wrapKey, err := deriveWrapKey(password, salt, params)
	if err != nil {
		return nil, err
	}
	wrapped, wrapNonce, err := crypto.Seal(wrapKey, dataKey, []byte(v.ID))
	crypto.SecureWipe(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to wrap data key: %w", err)
	}
	v.WrappedKey = hex.EncodeToString(wrapped)
	v.WrapNonce = hex.EncodeToString(wrapNonce)

	encKey, macKey, err := dataKeys(dataKey)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipeAll(encKey, macKey)

	ciphertext, nonce, err := crypto.Seal(encKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encrypt payload: %w", err)
	}
	v.Ciphertext = hex.EncodeToString(ciphertext)
	v.Nonce = hex.EncodeToString(nonce)

	if opts.Split != nil {
		shares, err := Split(dataKey, opts.Split.Threshold, opts.Split.Total)
		if err != nil {
			return nil, err
		}
		v.Shares = &ShareSet{
			SetID:     shares[0].SetID,
			Threshold: opts.Split.Threshold,
			Total:     opts.Split.Total,
			Shares:    shares,
		}
	}

	v.HMAC = hex.EncodeToString(computeHMAC(macKey, v.authenticatedFields()...))

	log.WithFields(logrus.Fields{
		"vault":    v.ID,
		"accounts": len(payload.Accounts),
		"split":    v.Shares != nil,
	}).Info("backup vault created")
	return v, nil
}

// Restore decrypts a vault with its password.
func Restore(v *Vault, password []byte) (*Payload, error) {
	d, err := v.decode()
	if err != nil {
		return nil, err
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}

	wrapKey, err := deriveWrapKey(password, d.salt, v.KDF)
	if err != nil {
		return nil, err
	}
	dataKey, err := crypto.Open(wrapKey, d.wrappedKey, d.wrapNonce, []byte(v.ID))
	crypto.SecureWipe(wrapKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	defer crypto.SecureWipe(dataKey)

	return open(v, d, dataKey)
}

// RestoreWithShares decrypts a vault using recovery shares instead of the
// password.
func RestoreWithShares(v *Vault, shares []Share) (*Payload, error) {
	if v.Shares == nil {
		return nil, ErrNoShares
	}
	d, err := v.decode()
	if err != nil {
		return nil, err
	}
	for _, s := range shares {
		if s.SetID != v.Shares.SetID {
			return nil, fmt.Errorf("%w: share from another vault", ErrShareIntegrity)
		}
	}

	dataKey, err := Combine(shares)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(dataKey)

	return open(v, d, dataKey)
}

// Verify checks the password and the vault HMAC and reports what the vault
// holds.
func Verify(v *Vault, password []byte) *VerifyResult {
	res := &VerifyResult{Version: v.Version, CreatedAt: v.CreatedAt, Split: v.Shares != nil}
	p, err := Restore(v, password)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Valid = true
	res.AccountCount = len(p.Accounts)
	p.Destroy()
	return res
}

// open verifies the HMAC and only then decrypts the payload.
func open(v *Vault, d *decodedVault, dataKey []byte) (*Payload, error) {
	encKey, macKey, err := dataKeys(dataKey)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipeAll(encKey, macKey)

	if !verifyHMAC(macKey, d.hmac, v.authenticatedFields()...) {
		log.WithField("vault", v.ID).Warn("backup vault failed integrity check")
		return nil, ErrIntegrityFailed
	}

	plaintext, err := crypto.Open(encKey, d.ciphertext, d.nonce, nil)
	if err != nil {
		return nil, ErrIntegrityFailed
	}
	defer crypto.SecureWipe(plaintext)

	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedVault, err)
	}
	return &p, nil
}
