// Package importer parses existing account material into key secrets.
// Supports BIP-39 seed phrases, raw hex private keys and Web3 Secret Storage
// (geth / MetaMask) keystore JSON.
//
// Nothing returned by this package echoes input material: errors name the
// detected or expected format only.
package importer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/keystore"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "importer")

// Format is an import source format.
type Format string

const (
	FormatSeedPhrase Format = "seed_phrase"
	FormatPrivateKey Format = "private_key"
	FormatKeystore   Format = "keystore"
	FormatUnknown    Format = "unknown"
)

// DefaultPath is the derivation path used when none is given.
const DefaultPath = "m/44'/60'/0'/0/0"

// MaxCount caps how many consecutive addresses one seed import may derive.
const MaxCount = 100

var (
	// ErrUnrecognizedFormat is returned when Detect cannot name a format.
	ErrUnrecognizedFormat = errors.New("importer: unrecognized format")

	// ErrEmptyInput is returned for blank import data.
	ErrEmptyInput = errors.New("importer: empty input")

	ErrInvalidPrivateKey = errors.New("importer: invalid private key")
	ErrMissingPassword   = errors.New("importer: keystore password required")
	ErrInvalidCount      = errors.New("importer: invalid account count")
)

// Error is an import failure. It names the format that was detected (or
// requested) and what was expected, never the input itself.
type Error struct {
	Format   Format
	Expected string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("importer: invalid %s: expected %s", e.Format, e.Expected)
	}
	return fmt.Sprintf("importer: invalid %s: expected %s: %v", e.Format, e.Expected, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Account is one imported key. The caller owns Key and Mnemonic and must
// Destroy them.
type Account struct {
	Format  Format
	Address common.Address

	// DerivationPath is set for seed phrase imports.
	DerivationPath string

	// Key is the 32-byte secp256k1 private key.
	Key *crypto.Secret

	// Mnemonic is the normalized phrase for seed imports, nil otherwise.
	Mnemonic *crypto.Secret
}

// Destroy wipes the secrets held by a.
func (a *Account) Destroy() {
	if a == nil {
		return
	}
	if a.Key != nil {
		a.Key.Destroy()
	}
	if a.Mnemonic != nil {
		a.Mnemonic.Destroy()
	}
}

// Result contains the results of an import operation.
type Result struct {
	// Accounts are the successfully parsed accounts.
	Accounts []*Account

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string
}

// Destroy wipes every account in r.
func (r *Result) Destroy() {
	if r == nil {
		return
	}
	for _, a := range r.Accounts {
		a.Destroy()
	}
}

// Options contains options for parsing.
type Options struct {
	// DerivationPath is the first path derived from a seed phrase.
	// Defaults to DefaultPath.
	DerivationPath string

	// Count is how many consecutive indexes to derive from a seed phrase.
	// Defaults to 1.
	Count int

	// Passphrase is the optional BIP-39 passphrase.
	Passphrase string

	// KeystorePassword decrypts a keystore import.
	KeystorePassword []byte
}

// Parser is the interface for import format parsers.
type Parser interface {
	// Parse parses the input data. data is not retained.
	Parse(data []byte, opts Options) (*Result, error)

	// Format returns the format handled by this parser.
	Format() Format
}

// Detection is the outcome of Detect.
type Detection struct {
	Format     Format
	Confidence float64
	Details    string
}

// Detect guesses the format of data without decrypting or deriving
// anything.
func Detect(data []byte) Detection {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) > 0 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}' {
		if _, err := keystore.Unmarshal(trimmed); err == nil {
			return Detection{FormatKeystore, 1.0, "keystore JSON (version 3)"}
		}
		return Detection{FormatUnknown, 0.3, "JSON but not a version 3 keystore"}
	}

	if isHexKey(trimmed) {
		return Detection{FormatPrivateKey, 0.95, "64-character hex string"}
	}

	words := strings.Fields(string(trimmed))
	if hdkey.ValidWordCount(len(words)) {
		if seed, err := hdkey.Seed(strings.Join(words, " "), ""); err == nil {
			crypto.SecureWipe(seed)
			return Detection{FormatSeedPhrase, 1.0, fmt.Sprintf("BIP-39 seed phrase (%d words)", len(words))}
		}
		return Detection{FormatSeedPhrase, 0.7, "word count matches a seed phrase but BIP-39 validation failed"}
	}

	return Detection{FormatUnknown, 0, "could not determine format"}
}

// Import detects the format of data and parses it.
func Import(data []byte, opts Options) (*Result, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &Error{Format: FormatUnknown, Expected: "non-empty input", Err: ErrEmptyInput}
	}
	d := Detect(data)
	if d.Format == FormatUnknown {
		return nil, &Error{
			Format:   FormatUnknown,
			Expected: "seed phrase, private key or keystore JSON",
			Err:      ErrUnrecognizedFormat,
		}
	}
	log.WithFields(logrus.Fields{
		"format":     d.Format,
		"confidence": d.Confidence,
	}).Debug("detected import format")

	p, err := GetParser(d.Format)
	if err != nil {
		return nil, err
	}
	return p.Parse(data, opts)
}

// GetParser returns a parser for the given format.
func GetParser(f Format) (Parser, error) {
	switch f {
	case FormatSeedPhrase:
		return &SeedPhraseParser{}, nil
	case FormatPrivateKey:
		return &PrivateKeyParser{}, nil
	case FormatKeystore:
		return &KeystoreParser{}, nil
	default:
		return nil, &Error{
			Format:   f,
			Expected: strings.Join(ValidFormats(), ", "),
			Err:      ErrUnrecognizedFormat,
		}
	}
}

// ValidFormats returns a list of valid format names.
func ValidFormats() []string {
	return []string{
		string(FormatSeedPhrase),
		string(FormatPrivateKey),
		string(FormatKeystore),
	}
}

func isHexKey(b []byte) bool {
	b = trimHexPrefix(b)
	if len(b) != 64 {
		return false
	}
	for _, c := range b {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func trimHexPrefix(b []byte) []byte {
	if len(b) >= 2 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X') {
		return b[2:]
	}
	return b
}

func isHexDigit(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
