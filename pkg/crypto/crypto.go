// Package crypto provides the symmetric primitives shared by the walletctl
// keystore, backup and session packages.
//
// # Primitives
//
//   - Argon2id key derivation with explicit, serializable cost parameters
//   - AES-256-GCM sealing with optional associated data
//   - Secure random byte generation
//   - Memory wiping and a scoped Secret holder for plaintext key material
//
// # Example Usage
//
//	params := crypto.DefaultArgon2Params()
//	salt, _ := crypto.RandomBytes(crypto.SaltLength)
//	key := crypto.DeriveKey([]byte("password"), salt, params)
//	defer crypto.SecureWipe(key)
//
//	sealed, nonce, err := crypto.Seal(key, plaintext, nil)
//	opened, err := crypto.Open(key, sealed, nonce, nil)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id defaults following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of symmetric keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the default salt length in bytes.
	SaltLength = 32
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates the GCM tag did not verify.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidParams indicates unusable Argon2id cost parameters.
	ErrInvalidParams = errors.New("crypto: invalid key derivation parameters")
)

// Argon2Params are the Argon2id cost parameters. They are stored next to
// every ciphertext so a later reader can reproduce the derived key.
type Argon2Params struct {
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
	KeyLength   uint32 `json:"dklen"`
}

// DefaultArgon2Params returns the OWASP-recommended parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      Argon2Memory,
		Iterations:  Argon2Time,
		Parallelism: Argon2Threads,
		KeyLength:   KeyLength,
	}
}

// Validate rejects parameter sets argon2 would panic on or that are too weak
// to be worth storing.
func (p Argon2Params) Validate() error {
	switch {
	case p.Iterations < 1:
		return fmt.Errorf("%w: iterations must be at least 1", ErrInvalidParams)
	case p.Parallelism < 1:
		return fmt.Errorf("%w: parallelism must be at least 1", ErrInvalidParams)
	case p.Memory < 8*uint32(p.Parallelism):
		return fmt.Errorf("%w: memory must be at least 8*parallelism KiB", ErrInvalidParams)
	case p.KeyLength < 16:
		return fmt.Errorf("%w: key length must be at least 16 bytes", ErrInvalidParams)
	}
	return nil
}

// DeriveKey derives a key from a password with Argon2id.
//
// The caller owns the returned slice and should SecureWipe it when done.
func DeriveKey(password, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLength)
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce.
// additionalData is authenticated but not encrypted and may be nil.
func Seal(key, plaintext, additionalData []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = RandomBytes(NonceLength)
	if err != nil {
		return nil, nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, additionalData), nonce, nil
}

// Open verifies and decrypts an AES-256-GCM ciphertext. No plaintext is
// returned unless the tag verifies.
func Open(key, ciphertext, nonce, additionalData []byte) ([]byte, error) {
	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// b is still "in use" after the loop, so the stores cannot be elided.
	runtime.KeepAlive(b)
}

// SecureWipeAll wipes every slice in bs.
func SecureWipeAll(bs ...[]byte) {
	for _, b := range bs {
		SecureWipe(b)
	}
}
