package hdkey

import (
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidMnemonic is returned for a phrase with unknown words, a bad
// checksum or an unsupported length.
var ErrInvalidMnemonic = errors.New("hdkey: invalid mnemonic")

// Strength is a mnemonic entropy size in bits.
type Strength int

const (
	Words12 Strength = 128
	Words15 Strength = 160
	Words18 Strength = 192
	Words21 Strength = 224
	Words24 Strength = 256
)

// Words returns the phrase length for s.
func (s Strength) Words() int {
	return int(s) / 32 * 3
}

// Valid reports whether s is one of the BIP-39 entropy sizes.
func (s Strength) Valid() bool {
	switch s {
	case Words12, Words15, Words18, Words21, Words24:
		return true
	}
	return false
}

// ValidWordCount reports whether n is a BIP-39 phrase length.
func ValidWordCount(n int) bool {
	return n >= 12 && n <= 24 && n%3 == 0
}

// NewMnemonic generates a fresh phrase of the given strength.
func NewMnemonic(s Strength) (string, error) {
	if !s.Valid() {
		return "", fmt.Errorf("%w: unsupported strength %d", ErrInvalidMnemonic, s)
	}
	entropy, err := bip39.NewEntropy(int(s))
	if err != nil {
		return "", fmt.Errorf("hdkey: entropy: %w", err)
	}
	defer crypto.SecureWipe(entropy)
	return bip39.NewMnemonic(entropy)
}

// NormalizeMnemonic lowercases, NFKD-normalizes and collapses whitespace.
func NormalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(norm.NFKD.String(strings.ToLower(phrase))), " ")
}

// Seed validates phrase and returns its BIP-39 seed. The caller owns the
// returned slice and must wipe it.
func Seed(phrase, passphrase string) ([]byte, error) {
	phrase = NormalizeMnemonic(phrase)
	if !ValidWordCount(len(strings.Fields(phrase))) {
		return nil, fmt.Errorf("%w: word count", ErrInvalidMnemonic)
	}
	seed, err := bip39.NewSeedWithErrorChecking(phrase, norm.NFKD.String(passphrase))
	if err != nil {
		return nil, fmt.Errorf("%w: checksum or unknown word", ErrInvalidMnemonic)
	}
	return seed, nil
}
