package signer

import (
	"context"
	"sync"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SimulatedDevice is an in-process Device backed by an HD seed. It stands in
// for real hardware in tests and in the CLI's --simulate mode, and can be
// told to fail the way real devices do.
type SimulatedDevice struct {
	mu        sync.Mutex
	name      string
	seed      []byte
	failure   error
	legacyV   bool
	signCalls int
}

// NewSimulatedDevice returns a device deriving keys from seed. The seed is
// copied.
func NewSimulatedDevice(name string, seed []byte) *SimulatedDevice {
	s := make([]byte, len(seed))
	copy(s, seed)
	return &SimulatedDevice{name: name, seed: s}
}

// Fail makes every following call return err until Fail(nil).
func (d *SimulatedDevice) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

// LegacyV makes signatures carry V as 27/28.
func (d *SimulatedDevice) LegacyV(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacyV = on
}

// SignCalls returns how many signatures were produced.
func (d *SimulatedDevice) SignCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signCalls
}

// Close wipes the seed.
func (d *SimulatedDevice) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	crypto.SecureWipe(d.seed)
	d.failure = ErrDeviceDisconnected
}

// Name implements Device.
func (d *SimulatedDevice) Name() string { return d.name }

// Derive implements Device.
func (d *SimulatedDevice) Derive(ctx context.Context, path accounts.DerivationPath) (common.Address, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return common.Address{}, err
	}
	return hdkey.DeriveAddress(d.seed, path)
}

// SignHash implements Device.
func (d *SimulatedDevice) SignHash(ctx context.Context, path accounts.DerivationPath, hash [32]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return nil, err
	}
	k, err := hdkey.DeriveKey(d.seed, path)
	if err != nil {
		return nil, err
	}
	defer hdkey.Zero(k)

	sig, err := ethcrypto.Sign(hash[:], k)
	if err != nil {
		return nil, err
	}
	if d.legacyV {
		sig[64] += 27
	}
	d.signCalls++
	return sig, nil
}

func (d *SimulatedDevice) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.failure
}

var _ Device = (*SimulatedDevice)(nil)
