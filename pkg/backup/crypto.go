package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/forest6511/walletctl/pkg/crypto"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32

	// KeyLength is the length of the vault data key in bytes.
	KeyLength = 32
)

// HKDF info strings for key derivation.
const (
	hkdfInfoWrap       = "walletctl-backup-wrap"
	hkdfInfoEncryption = "walletctl-backup-encryption"
	hkdfInfoMAC        = "walletctl-backup-mac"
)

// deriveWrapKey stretches the password with Argon2id and expands it into the
// key that wraps the vault data key.
func deriveWrapKey(password, salt []byte, params crypto.Argon2Params) ([]byte, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	params.KeyLength = KeyLength
	master := crypto.DeriveKey(password, salt, params)
	defer crypto.SecureWipe(master)

	return deriveHKDF(master, hkdfInfoWrap)
}

// dataKeys expands the vault data key into independent encryption and MAC
// keys.
func dataKeys(dataKey []byte) (encKey, macKey []byte, err error) {
	encKey, err = deriveHKDF(dataKey, hkdfInfoEncryption)
	if err != nil {
		return nil, nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(dataKey, hkdfInfoMAC)
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("backup: failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// deriveHKDF derives a key using HKDF-SHA256.
func deriveHKDF(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// computeHMAC computes HMAC-SHA256 over length-prefixed fields so that no
// two distinct field lists produce the same input.
func computeHMAC(key []byte, fields ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	var n [4]byte
	for _, f := range fields {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		mac.Write(n[:])
		mac.Write(f)
	}
	return mac.Sum(nil)
}

// verifyHMAC verifies an HMAC in constant time.
func verifyHMAC(key, expected []byte, fields ...[]byte) bool {
	return hmac.Equal(computeHMAC(key, fields...), expected)
}
