// Package hdkey derives Ethereum account keys from a BIP-39 seed along
// BIP-44 paths.
package hdkey

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// Purpose is the BIP-44 purpose field.
	Purpose = 44
	// CoinType is the SLIP-44 coin type for Ethereum.
	CoinType = 60
	// MaxIndex is the largest non-hardened child index.
	MaxIndex = hdkeychain.HardenedKeyStart - 1
)

var (
	// ErrInvalidPath is returned for a path that is not an Ethereum BIP-44
	// account path.
	ErrInvalidPath = errors.New("hdkey: invalid derivation path")

	// ErrInvalidSeed is returned for a seed of unusable length.
	ErrInvalidSeed = errors.New("hdkey: invalid seed")
)

// AccountPath returns m/44'/60'/0'/0/index.
func AccountPath(index uint32) accounts.DerivationPath {
	return accounts.DerivationPath{
		Purpose + hdkeychain.HardenedKeyStart,
		CoinType + hdkeychain.HardenedKeyStart,
		hdkeychain.HardenedKeyStart,
		0,
		index,
	}
}

// ParsePath parses s and checks that it is an Ethereum BIP-44 path:
// m/44'/60'/account'/change/index, with account hardened and change and
// index not.
func ParsePath(s string) (accounts.DerivationPath, error) {
	p, err := accounts.ParseDerivationPath(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ValidatePath checks p against the Ethereum BIP-44 layout.
func ValidatePath(p accounts.DerivationPath) error {
	const h = hdkeychain.HardenedKeyStart
	switch {
	case len(p) != 5:
		return fmt.Errorf("%w: want 5 components, got %d", ErrInvalidPath, len(p))
	case p[0] != Purpose+h:
		return fmt.Errorf("%w: purpose must be 44'", ErrInvalidPath)
	case p[1] != CoinType+h:
		return fmt.Errorf("%w: coin type must be 60'", ErrInvalidPath)
	case p[2] < h:
		return fmt.Errorf("%w: account must be hardened", ErrInvalidPath)
	case p[3] >= h || p[3] > 1:
		return fmt.Errorf("%w: change must be 0 or 1", ErrInvalidPath)
	case p[4] > MaxIndex:
		return fmt.Errorf("%w: index must not be hardened", ErrInvalidPath)
	}
	return nil
}

// DeriveKey derives the private key at path from seed. The caller owns the
// returned key and should clear it with Zero when done.
func DeriveKey(seed []byte, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	if len(seed) < hdkeychain.MinSeedBytes || len(seed) > hdkeychain.MaxSeedBytes {
		return nil, ErrInvalidSeed
	}
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("hdkey: master key: %w", err)
	}
	for _, idx := range path {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("hdkey: derive %d: %w", idx, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("hdkey: private key: %w", err)
	}
	raw := priv.Serialize()
	defer crypto.SecureWipe(raw)
	priv.Zero()

	return ethcrypto.ToECDSA(raw)
}

// DeriveAddress returns the address at path without handing out the key.
func DeriveAddress(seed []byte, path accounts.DerivationPath) (common.Address, error) {
	k, err := DeriveKey(seed, path)
	if err != nil {
		return common.Address{}, err
	}
	defer Zero(k)
	return ethcrypto.PubkeyToAddress(k.PublicKey), nil
}

// Zero clears the private scalar of k.
func Zero(k *ecdsa.PrivateKey) {
	if k == nil || k.D == nil {
		return
	}
	b := k.D.Bits()
	for i := range b {
		b[i] = 0
	}
	k.D.SetInt64(0)
}
