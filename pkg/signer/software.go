package signer

import (
	"context"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// KeySource lends the raw private key for addr to fn. Implementations must
// not let the key outlive fn, and fail when the key is not available (for
// example because the session is locked).
type KeySource interface {
	WithKey(ctx context.Context, addr common.Address, fn func(key []byte) error) error
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context, addr common.Address, fn func(key []byte) error) error

// WithKey calls f.
func (f KeySourceFunc) WithKey(ctx context.Context, addr common.Address, fn func(key []byte) error) error {
	return f(ctx, addr, fn)
}

// Software signs with a key held in process memory.
type Software struct {
	addr common.Address
	keys KeySource
}

// NewSoftware returns a signer for addr whose key comes from keys.
func NewSoftware(addr common.Address, keys KeySource) *Software {
	return &Software{addr: addr, keys: keys}
}

// Address implements Signer.
func (s *Software) Address() common.Address { return s.addr }

// Kind implements Signer.
func (s *Software) Kind() Kind { return KindSoftware }

// SignHash implements Signer.
func (s *Software) SignHash(ctx context.Context, hash [32]byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sig []byte
	err := s.keys.WithKey(ctx, s.addr, func(key []byte) error {
		var err error
		sig, err = SignWithKey(s.addr, key, hash)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// SignWithKey signs hash with the raw secp256k1 key, checking first that the
// key belongs to addr.
func SignWithKey(addr common.Address, key []byte, hash [32]byte) ([]byte, error) {
	raw := make([]byte, len(key))
	copy(raw, key)
	priv, err := ethcrypto.ToECDSA(raw)
	crypto.SecureWipe(raw)
	if err != nil {
		return nil, &Error{Signer: KindSoftware, Kind: ErrKeyMismatch, Err: errors.New("malformed key")}
	}
	defer hdkey.Zero(priv)

	if ethcrypto.PubkeyToAddress(priv.PublicKey) != addr {
		return nil, &Error{Signer: KindSoftware, Kind: ErrKeyMismatch}
	}
	sig, err := ethcrypto.Sign(hash[:], priv)
	if err != nil {
		return nil, errors.Wrap(err, "sign")
	}
	return sig, nil
}
