package importer

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/keystore"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SeedPhraseParser derives accounts from a BIP-39 mnemonic.
type SeedPhraseParser struct{}

// Format returns the format handled by this parser.
func (p *SeedPhraseParser) Format() Format {
	return FormatSeedPhrase
}

// Parse validates the phrase and derives opts.Count consecutive accounts
// starting at opts.DerivationPath. The same phrase, passphrase and path
// always yield the same addresses.
func (p *SeedPhraseParser) Parse(data []byte, opts Options) (*Result, error) {
	count := opts.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > MaxCount {
		return nil, &Error{
			Format:   FormatSeedPhrase,
			Expected: fmt.Sprintf("between 1 and %d accounts", MaxCount),
			Err:      ErrInvalidCount,
		}
	}

	pathText := opts.DerivationPath
	if pathText == "" {
		pathText = DefaultPath
	}
	path, err := hdkey.ParsePath(pathText)
	if err != nil {
		return nil, &Error{Format: FormatSeedPhrase, Expected: "m/44'/60'/account'/change/index", Err: err}
	}
	if uint64(path[4])+uint64(count)-1 > hdkey.MaxIndex {
		return nil, &Error{Format: FormatSeedPhrase, Expected: "non-hardened indexes", Err: hdkey.ErrInvalidPath}
	}

	phrase := hdkey.NormalizeMnemonic(string(data))
	seed, err := hdkey.Seed(phrase, opts.Passphrase)
	if err != nil {
		return nil, &Error{Format: FormatSeedPhrase, Expected: "12, 15, 18, 21 or 24 BIP-39 words with a valid checksum", Err: err}
	}
	defer crypto.SecureWipe(seed)

	result := &Result{}
	for i := 0; i < count; i++ {
		child := make(accounts.DerivationPath, len(path))
		copy(child, path)
		child[4] += uint32(i)

		key, err := hdkey.DeriveKey(seed, child)
		if err != nil {
			result.Destroy()
			return nil, &Error{Format: FormatSeedPhrase, Expected: "derivable path", Err: err}
		}
		raw := ethcrypto.FromECDSA(key)
		addr := ethcrypto.PubkeyToAddress(key.PublicKey)
		hdkey.Zero(key)

		result.Accounts = append(result.Accounts, &Account{
			Format:         FormatSeedPhrase,
			Address:        addr,
			DerivationPath: child.String(),
			Key:            crypto.NewSecret(raw),
			Mnemonic:       crypto.CopySecret([]byte(phrase)),
		})
	}
	return result, nil
}

// PrivateKeyParser imports a raw secp256k1 key as 64 hex characters,
// optionally prefixed with 0x.
type PrivateKeyParser struct{}

// Format returns the format handled by this parser.
func (p *PrivateKeyParser) Format() Format {
	return FormatPrivateKey
}

// Parse decodes and validates the key.
func (p *PrivateKeyParser) Parse(data []byte, _ Options) (*Result, error) {
	text := trimHexPrefix(bytes.TrimSpace(data))
	if len(text) != 64 {
		return nil, &Error{Format: FormatPrivateKey, Expected: "64 hex characters", Err: ErrInvalidPrivateKey}
	}

	raw := make([]byte, 32)
	if _, err := hex.Decode(raw, text); err != nil {
		crypto.SecureWipe(raw)
		return nil, &Error{Format: FormatPrivateKey, Expected: "64 hex characters", Err: ErrInvalidPrivateKey}
	}

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		crypto.SecureWipe(raw)
		return nil, &Error{Format: FormatPrivateKey, Expected: "a scalar in the secp256k1 range", Err: ErrInvalidPrivateKey}
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	hdkey.Zero(key)

	return &Result{Accounts: []*Account{{
		Format:  FormatPrivateKey,
		Address: addr,
		Key:     crypto.NewSecret(raw),
	}}}, nil
}

// KeystoreParser imports a Web3 Secret Storage keystore (geth, MetaMask).
type KeystoreParser struct{}

// Format returns the format handled by this parser.
func (p *KeystoreParser) Format() Format {
	return FormatKeystore
}

// Parse checks the keystore structure, then decrypts it with
// opts.KeystorePassword. A wrong password surfaces as
// keystore.ErrAuthenticationFailed.
func (p *KeystoreParser) Parse(data []byte, opts Options) (*Result, error) {
	const expected = "version 3 keystore JSON (aes-128-ctr; scrypt, pbkdf2 or argon2id)"

	ek, err := keystore.Unmarshal(bytes.TrimSpace(data))
	if err != nil {
		return nil, &Error{Format: FormatKeystore, Expected: expected, Err: err}
	}
	if len(opts.KeystorePassword) == 0 {
		return nil, &Error{Format: FormatKeystore, Expected: "keystore password", Err: ErrMissingPassword}
	}

	key, err := keystore.DecryptKey(ek, opts.KeystorePassword)
	if err != nil {
		if errors.Is(err, keystore.ErrAuthenticationFailed) {
			return nil, err
		}
		return nil, &Error{Format: FormatKeystore, Expected: expected, Err: err}
	}
	raw := ethcrypto.FromECDSA(key)
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	hdkey.Zero(key)

	var warnings []string
	if !ek.HasAddress() {
		warnings = append(warnings, "keystore has no address field; address derived from key")
	}

	return &Result{
		Accounts: []*Account{{
			Format:  FormatKeystore,
			Address: addr,
			Key:     crypto.NewSecret(raw),
		}},
		Warnings: warnings,
	}, nil
}
