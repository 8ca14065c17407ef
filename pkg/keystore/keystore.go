// Package keystore encrypts single account keys at rest in the Web3 Secret
// Storage (version 3) JSON format used by geth and MetaMask.
//
// A password is stretched with a memory-hard KDF (scrypt by default, Argon2id
// optionally, PBKDF2 accepted for imports). The first 16 bytes of the derived
// key encrypt the secret with AES-128-CTR. The MAC is
// keccak256(dk[16:32] || ciphertext) and is always checked before the
// ciphertext is decrypted.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "keystore")

const (
	// Version is the only keystore format version read or written.
	Version = 3

	// CipherAES128CTR is the only supported cipher.
	CipherAES128CTR = "aes-128-ctr"

	ivLength = aes.BlockSize
)

var (
	// ErrAuthenticationFailed covers both a wrong password and a corrupted
	// ciphertext or MAC. Callers cannot tell the two apart.
	ErrAuthenticationFailed = errors.New("keystore: authentication failed")

	ErrUnsupportedVersion = errors.New("keystore: unsupported version")
	ErrUnsupportedCipher  = errors.New("keystore: unsupported cipher")
	ErrUnsupportedKDF     = errors.New("keystore: unsupported kdf")
	ErrInvalidKDFParams   = errors.New("keystore: invalid kdf parameters")
	ErrMalformed          = errors.New("keystore: malformed keystore")
	ErrAddressMismatch    = errors.New("keystore: decrypted key does not match address")
	ErrEmptyPassword      = errors.New("keystore: password cannot be empty")
	ErrEmptySecret        = errors.New("keystore: secret cannot be empty")
)

// EncryptedKey is the on-disk representation of one encrypted secret.
type EncryptedKey struct {
	Version int        `json:"version"`
	ID      string     `json:"id"`
	Address string     `json:"address,omitempty"`
	Crypto  CryptoJSON `json:"crypto"`
}

// CryptoJSON holds the cipher, KDF and MAC parameters.
type CryptoJSON struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

// CipherParams holds the cipher IV.
type CipherParams struct {
	IV string `json:"iv"`
}

// KDFParams is the union of the parameter sets of every supported KDF.
// Only the fields of the named KDF are populated.
type KDFParams struct {
	DKLen int    `json:"dklen"`
	Salt  string `json:"salt"`

	// scrypt
	N int `json:"n,omitempty"`
	R int `json:"r,omitempty"`
	P int `json:"p,omitempty"`

	// pbkdf2
	C   int    `json:"c,omitempty"`
	PRF string `json:"prf,omitempty"`

	// argon2id
	Memory      uint32 `json:"memory,omitempty"`
	Iterations  uint32 `json:"iterations,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// HasAddress reports whether the keystore names the account it belongs to.
func (k *EncryptedKey) HasAddress() bool {
	return k.Address != ""
}

// AccountAddress returns the recorded address.
func (k *EncryptedKey) AccountAddress() common.Address {
	return common.HexToAddress(k.Address)
}

// SetAddress records addr in the geth form: lowercase hex without 0x.
func (k *EncryptedKey) SetAddress(addr common.Address) {
	k.Address = strings.ToLower(hex.EncodeToString(addr.Bytes()))
}

// Marshal encodes the keystore as JSON.
func (k *EncryptedKey) Marshal() ([]byte, error) {
	return json.Marshal(k)
}

// Unmarshal parses keystore JSON and checks its structure. Nothing is
// decrypted.
func Unmarshal(data []byte) (*EncryptedKey, error) {
	var k EncryptedKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if k.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, k.Version)
	}
	if k.Crypto.Cipher == "" || k.Crypto.CipherText == "" || k.Crypto.MAC == "" {
		return nil, fmt.Errorf("%w: missing crypto fields", ErrMalformed)
	}
	return &k, nil
}

// Encrypt encrypts an arbitrary secret. The secret slice is not modified.
func Encrypt(secret, password []byte, p Params) (*EncryptedKey, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	kdf, err := p.kdf()
	if err != nil {
		return nil, err
	}

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.RandomBytes(ivLength)
	if err != nil {
		return nil, err
	}

	kdfParams := kdf.params(salt)
	derived, err := kdf.derive(password, salt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(derived)

	cipherText, err := aesCTR(derived[:16], secret, iv)
	if err != nil {
		return nil, err
	}
	mac := ethcrypto.Keccak256(derived[16:32], cipherText)

	return &EncryptedKey{
		Version: Version,
		ID:      uuid.NewString(),
		Crypto: CryptoJSON{
			Cipher:       CipherAES128CTR,
			CipherText:   hex.EncodeToString(cipherText),
			CipherParams: CipherParams{IV: hex.EncodeToString(iv)},
			KDF:          kdf.name(),
			KDFParams:    kdfParams,
			MAC:          hex.EncodeToString(mac),
		},
	}, nil
}

// EncryptKey encrypts a secp256k1 private key and records its address.
func EncryptKey(key *ecdsa.PrivateKey, password []byte, p Params) (*EncryptedKey, error) {
	raw := ethcrypto.FromECDSA(key)
	defer crypto.SecureWipe(raw)

	k, err := Encrypt(raw, password, p)
	if err != nil {
		return nil, err
	}
	k.SetAddress(ethcrypto.PubkeyToAddress(key.PublicKey))
	return k, nil
}

// Decrypt verifies the MAC and returns the plaintext secret. The caller owns
// the returned slice and must wipe it.
func Decrypt(k *EncryptedKey, password []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil keystore", ErrMalformed)
	}
	if k.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, k.Version)
	}
	if k.Crypto.Cipher != CipherAES128CTR {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, k.Crypto.Cipher)
	}

	mac, err := decodeHex("mac", k.Crypto.MAC)
	if err != nil {
		return nil, err
	}
	cipherText, err := decodeHex("ciphertext", k.Crypto.CipherText)
	if err != nil {
		return nil, err
	}
	iv, err := decodeHex("iv", k.Crypto.CipherParams.IV)
	if err != nil {
		return nil, err
	}
	if len(iv) != ivLength {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrMalformed, ivLength)
	}

	kdf, salt, err := kdfFromParams(k.Crypto.KDF, k.Crypto.KDFParams)
	if err != nil {
		return nil, err
	}
	derived, err := kdf.derive(password, salt)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(derived)

	calculated := ethcrypto.Keccak256(derived[16:32], cipherText)
	if subtle.ConstantTimeCompare(calculated, mac) != 1 {
		log.WithFields(logrus.Fields{
			"id":     k.ID,
			"kdf":    k.Crypto.KDF,
			"reason": macFailureReason(k, cipherText),
		}).Debug("keystore mac verification failed")
		return nil, ErrAuthenticationFailed
	}

	return aesCTR(derived[:16], cipherText, iv)
}

// DecryptKey decrypts a private key and checks it against the recorded
// address, when there is one.
func DecryptKey(k *EncryptedKey, password []byte) (*ecdsa.PrivateKey, error) {
	raw, err := Decrypt(k, password)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(raw)

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not a secp256k1 key", ErrMalformed)
	}
	if k.HasAddress() && ethcrypto.PubkeyToAddress(key.PublicKey) != k.AccountAddress() {
		return nil, ErrAddressMismatch
	}
	return key, nil
}

// macFailureReason is a debug-only hint. A private key keystore whose
// ciphertext is not 32 bytes was damaged rather than opened with the wrong
// password.
func macFailureReason(k *EncryptedKey, cipherText []byte) string {
	if k.HasAddress() && len(cipherText) != 32 {
		return "corrupted"
	}
	return "mac_mismatch"
}

func aesCTR(key, in, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to create cipher: %w", err)
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

func decodeHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not hex", ErrMalformed, field)
	}
	return b, nil
}
