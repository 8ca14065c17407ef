package account

import (
	"context"
	"fmt"
	"math/big"

	"github.com/forest6511/walletctl/pkg/batch"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Discovery defaults. A gap of 20 unused addresses ends the scan, as BIP-44
// wallets expect.
const (
	DefaultGapLimit       = 20
	DefaultDiscoveryBatch = 10
	DefaultDiscoveryMax   = 2000
)

// DiscoveryOptions tunes DiscoverAccounts. Zero values take the defaults.
type DiscoveryOptions struct {
	Passphrase string
	GapLimit   int
	BatchSize  int
	// MaxIndex bounds the number of indexes scanned.
	MaxIndex int
}

// DiscoveredAccount is a derived address with a non-zero balance.
type DiscoveredAccount struct {
	Index          uint32
	Address        common.Address
	DerivationPath string
	Wei            *big.Int
}

// DiscoverResult lists active indexes and how far the scan went.
type DiscoverResult struct {
	Accounts []DiscoveredAccount
	Scanned  int
	// Truncated is set when MaxIndex ended the scan before the gap limit.
	Truncated bool
}

func (o DiscoveryOptions) withDefaults() DiscoveryOptions {
	if o.GapLimit <= 0 {
		o.GapLimit = DefaultGapLimit
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultDiscoveryBatch
	}
	if o.MaxIndex <= 0 {
		o.MaxIndex = DefaultDiscoveryMax
	}
	return o
}

// DiscoverAccounts scans the standard Ethereum path of a recovery phrase
// and returns the indexes that hold a balance. Scanning stops after
// GapLimit consecutive empty addresses. Lookups go through the batch
// coordinator one batch at a time; any failed lookup fails the scan, since
// a gap cannot be trusted with holes in it. Nothing is stored.
func (m *Manager) DiscoverAccounts(ctx context.Context, phrase []byte, opts DiscoveryOptions) (*DiscoverResult, error) {
	opts = opts.withDefaults()
	res := &DiscoverResult{}
	err := m.track(ctx, "account.discover", func(s *telemetry.Span) error {
		if m.coord == nil {
			return ErrNoProvider
		}
		seed, err := hdkey.Seed(string(phrase), opts.Passphrase)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(seed)

		gap := 0
		for gap < opts.GapLimit && res.Scanned < opts.MaxIndex {
			n := min(opts.BatchSize, opts.MaxIndex-res.Scanned)
			reqs := make([]batch.Request[common.Address], n)
			for i := range reqs {
				idx := uint32(res.Scanned + i)
				addr, err := hdkey.DeriveAddress(seed, hdkey.AccountPath(idx))
				if err != nil {
					return err
				}
				reqs[i] = batch.Request[common.Address]{ID: fmt.Sprint(idx), Payload: addr}
			}

			results := m.coord.Submit(ctx, reqs)
			for i, r := range results {
				idx := uint32(res.Scanned + i)
				wei, err := r.Unpack()
				if err != nil {
					return fmt.Errorf("account: discovery lookup at index %d: %w", idx, err)
				}
				addr := reqs[i].Payload
				m.balances.Put(addr, new(big.Int).Set(wei))
				if wei.Sign() == 0 {
					gap++
					if gap >= opts.GapLimit {
						break
					}
					continue
				}
				gap = 0
				res.Accounts = append(res.Accounts, DiscoveredAccount{
					Index:          idx,
					Address:        addr,
					DerivationPath: hdkey.AccountPath(idx).String(),
					Wei:            wei,
				})
			}
			res.Scanned += n
		}
		res.Truncated = gap < opts.GapLimit

		level := logrus.InfoLevel
		if res.Truncated {
			level = logrus.WarnLevel
		}
		_ = m.tel.LogEvent(ctx, s, level, "discovery finished", telemetry.Fields{
			"scanned":   res.Scanned,
			"active":    len(res.Accounts),
			"gap_limit": opts.GapLimit,
			"truncated": res.Truncated,
		})
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
