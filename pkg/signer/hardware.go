package signer

import (
	"context"
	"fmt"

	"github.com/forest6511/walletctl/pkg/hdkey"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Device is the driver side of a hardware wallet. Drivers own the USB/HID
// transport; they receive only a derivation path and a hash.
type Device interface {
	// Name identifies the physical device in logs and errors.
	Name() string
	// Derive returns the address of the key at path.
	Derive(ctx context.Context, path accounts.DerivationPath) (common.Address, error)
	// SignHash signs hash with the key at path. V may be 0/1 or 27/28.
	SignHash(ctx context.Context, path accounts.DerivationPath, hash [32]byte) ([]byte, error)
}

// StatusError is a raw device status code, as returned by a driver. Ledger
// drivers return APDU status words; Trezor drivers return failure types.
type StatusError struct {
	Code uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device status 0x%04x", e.Code)
}

// Ledger APDU status words.
const (
	LedgerSecurityNotSatisfied = 0x6982
	LedgerConditionsNotMet     = 0x6985
	LedgerInvalidData          = 0x6a80
	LedgerLocked               = 0x5515
	LedgerInsNotSupported      = 0x6d00
	LedgerClaNotSupported      = 0x6e00
	LedgerAppNotOpen           = 0x6511
)

// Trezor failure types.
const (
	TrezorDataError       = 3
	TrezorActionCancelled = 4
	TrezorPinExpected     = 5
	TrezorPinCancelled    = 6
	TrezorPinInvalid      = 7
	TrezorNotInitialized  = 11
)

var ledgerStatus = map[uint16]error{
	LedgerSecurityNotSatisfied: ErrDeviceLocked,
	LedgerLocked:               ErrDeviceLocked,
	LedgerConditionsNotMet:     ErrUserRejected,
	LedgerInvalidData:          ErrDerivationPathMismatch,
	LedgerInsNotSupported:      ErrAppNotOpen,
	LedgerClaNotSupported:      ErrAppNotOpen,
	LedgerAppNotOpen:           ErrAppNotOpen,
}

var trezorStatus = map[uint16]error{
	TrezorDataError:       ErrDerivationPathMismatch,
	TrezorActionCancelled: ErrUserRejected,
	TrezorPinCancelled:    ErrUserRejected,
	TrezorPinExpected:     ErrDeviceLocked,
	TrezorPinInvalid:      ErrDeviceLocked,
	TrezorNotInitialized:  ErrDeviceLocked,
}

// hardware is the behavior Ledger and Trezor share; they differ only in how
// device status codes are read.
type hardware struct {
	kind   Kind
	dev    Device
	path   accounts.DerivationPath
	addr   common.Address
	status map[uint16]error
}

func newHardware(kind Kind, status map[uint16]error, dev Device, path accounts.DerivationPath, addr common.Address) (hardware, error) {
	if err := hdkey.ValidatePath(path); err != nil {
		return hardware{}, &Error{Signer: kind, Kind: ErrDerivationPathMismatch, Err: err}
	}
	return hardware{kind: kind, dev: dev, path: path, addr: addr, status: status}, nil
}

func (h *hardware) Address() common.Address { return h.addr }

func (h *hardware) Kind() Kind { return h.kind }

// DerivationPath returns the path the device signs with.
func (h *hardware) DerivationPath() accounts.DerivationPath { return h.path }

// DeviceName returns the device name.
func (h *hardware) DeviceName() string { return h.dev.Name() }

// SignHash confirms the device still holds the expected key at the path,
// asks it to sign, and checks the signature before returning it.
func (h *hardware) SignHash(ctx context.Context, hash [32]byte) ([]byte, error) {
	addr, err := h.dev.Derive(ctx, h.path)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	if addr != h.addr {
		log.WithFields(logrus.Fields{
			"device": h.dev.Name(),
			"path":   h.path.String(),
		}).Warn("device key does not match account address")
		return nil, &Error{Signer: h.kind, Kind: ErrDerivationPathMismatch}
	}

	sig, err := h.dev.SignHash(ctx, h.path, hash)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	sig = normalizeV(append([]byte(nil), sig...))
	if err := VerifyHash(h.addr, hash, sig); err != nil {
		return nil, &Error{Signer: h.kind, Kind: ErrDeviceFailure, Err: err}
	}
	return sig, nil
}

// classify maps a driver error to a signer error kind.
func (h *hardware) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	for _, kind := range []error{
		ErrDeviceDisconnected, ErrUserRejected, ErrDerivationPathMismatch,
		ErrDeviceLocked, ErrAppNotOpen,
	} {
		if errors.Is(err, kind) {
			return &Error{Signer: h.kind, Kind: kind, Err: err}
		}
	}
	var se *StatusError
	if errors.As(err, &se) {
		if kind, ok := h.status[se.Code]; ok {
			return &Error{Signer: h.kind, Kind: kind, Err: errors.Wrap(err, h.dev.Name())}
		}
	}
	return &Error{Signer: h.kind, Kind: ErrDeviceFailure, Err: errors.Wrap(err, h.dev.Name())}
}

// Ledger signs through a Ledger device.
type Ledger struct{ hardware }

// NewLedger returns a signer for the key at path on dev, expected to be
// addr.
func NewLedger(dev Device, path accounts.DerivationPath, addr common.Address) (*Ledger, error) {
	h, err := newHardware(KindLedger, ledgerStatus, dev, path, addr)
	if err != nil {
		return nil, err
	}
	return &Ledger{h}, nil
}

// Trezor signs through a Trezor device.
type Trezor struct{ hardware }

// NewTrezor returns a signer for the key at path on dev, expected to be
// addr.
func NewTrezor(dev Device, path accounts.DerivationPath, addr common.Address) (*Trezor, error) {
	h, err := newHardware(KindTrezor, trezorStatus, dev, path, addr)
	if err != nil {
		return nil, err
	}
	return &Trezor{h}, nil
}

// Hardware is implemented by the device-backed signers.
type Hardware interface {
	Signer
	DerivationPath() accounts.DerivationPath
	DeviceName() string
}

// Connect asks dev for the address at path and returns a signer of the
// requested kind bound to it.
func Connect(ctx context.Context, kind Kind, dev Device, path accounts.DerivationPath) (Hardware, error) {
	if err := hdkey.ValidatePath(path); err != nil {
		return nil, &Error{Signer: kind, Kind: ErrDerivationPathMismatch, Err: err}
	}
	switch kind {
	case KindLedger:
		h := &Ledger{hardware{kind: kind, dev: dev, path: path, status: ledgerStatus}}
		addr, err := dev.Derive(ctx, path)
		if err != nil {
			return nil, h.classify(ctx, err)
		}
		h.addr = addr
		return h, nil
	case KindTrezor:
		h := &Trezor{hardware{kind: kind, dev: dev, path: path, status: trezorStatus}}
		addr, err := dev.Derive(ctx, path)
		if err != nil {
			return nil, h.classify(ctx, err)
		}
		h.addr = addr
		return h, nil
	default:
		return nil, fmt.Errorf("signer: %s is not a hardware signer", kind)
	}
}

var (
	_ Signer   = (*Software)(nil)
	_ Hardware = (*Ledger)(nil)
	_ Hardware = (*Trezor)(nil)
)
