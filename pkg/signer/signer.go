// Package signer turns a 32-byte hash into a secp256k1 signature without
// handing the private key to the caller.
//
// Three variants implement Signer: Software signs with a key resolved from
// the unlocked session, Ledger and Trezor forward the hash and a derivation
// path to an external Device and never see the key at all.
package signer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "signer")

// SignatureLength is the length of an [R || S || V] signature.
const SignatureLength = ethcrypto.SignatureLength

// Kind is the closed set of signer variants.
type Kind int

const (
	KindSoftware Kind = iota
	KindLedger
	KindTrezor
)

func (k Kind) String() string {
	switch k {
	case KindSoftware:
		return "software"
	case KindLedger:
		return "ledger"
	case KindTrezor:
		return "trezor"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "software", "":
		return KindSoftware, nil
	case "ledger":
		return KindLedger, nil
	case "trezor":
		return KindTrezor, nil
	}
	return 0, fmt.Errorf("signer: unknown kind %q", s)
}

// Signer produces signatures for one address.
type Signer interface {
	// Address returns the address whose key signs.
	Address() common.Address
	// SignHash signs hash and returns a 65-byte [R || S || V] signature with
	// V in {0, 1}.
	SignHash(ctx context.Context, hash [32]byte) ([]byte, error)
	// Kind reports the variant.
	Kind() Kind
}

var (
	// ErrDeviceDisconnected means the device is unplugged or unreachable.
	ErrDeviceDisconnected = errors.New("signer: device disconnected")
	// ErrUserRejected means the user declined on the device.
	ErrUserRejected = errors.New("signer: rejected on device")
	// ErrDerivationPathMismatch means the device key at the path does not
	// belong to the expected address.
	ErrDerivationPathMismatch = errors.New("signer: derivation path does not match address")
	// ErrDeviceLocked means the device needs its PIN entered.
	ErrDeviceLocked = errors.New("signer: device locked")
	// ErrAppNotOpen means the Ethereum app is not running on the device.
	ErrAppNotOpen = errors.New("signer: ethereum app not open on device")
	// ErrDeviceFailure is any other device error.
	ErrDeviceFailure = errors.New("signer: device error")
	// ErrKeyMismatch means a software key does not belong to the address.
	ErrKeyMismatch = errors.New("signer: key does not match address")
	// ErrInvalidSignature means a signature could not be recovered to the
	// signer address.
	ErrInvalidSignature = errors.New("signer: invalid signature")
)

// Error is a signer failure tagged with the variant that produced it.
// errors.Is matches both Kind and the underlying cause.
type Error struct {
	Signer Kind
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Signer, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Signer, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind of err, or nil when err is not a signer
// error.
func KindOf(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}

// VerifyHash checks that sig over hash recovers to addr.
func VerifyHash(addr common.Address, hash [32]byte, sig []byte) error {
	if len(sig) != SignatureLength {
		return errors.Wrapf(ErrInvalidSignature, "length %d", len(sig))
	}
	pub, err := ethcrypto.SigToPub(hash[:], sig)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, err.Error())
	}
	if ethcrypto.PubkeyToAddress(*pub) != addr {
		return ErrInvalidSignature
	}
	return nil
}

// normalizeV rewrites a legacy V of 27/28 to 0/1 in place.
func normalizeV(sig []byte) []byte {
	if len(sig) == SignatureLength && sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig
}
