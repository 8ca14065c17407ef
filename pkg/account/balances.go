package account

import (
	"context"
	"math/big"

	"github.com/forest6511/walletctl/pkg/batch"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Balance is one account's balance in wei. Err is set when the query for
// this account failed; the others are unaffected.
type Balance struct {
	AccountID string
	Address   common.Address
	Wei       *big.Int
	Cached    bool
	Err       error
}

// Balances fetches the balances of the given accounts, or of every account
// when ids is empty. Recent answers are served from the balance cache; the
// rest go through the batch coordinator in one submission.
func (m *Manager) Balances(ctx context.Context, ids []string) ([]Balance, error) {
	var out []Balance
	err := m.track(ctx, "account.balances", func(s *telemetry.Span) error {
		if m.coord == nil {
			return ErrNoProvider
		}
		if len(ids) == 0 {
			recs, err := m.store.ListAccounts()
			if err != nil {
				return mapStoreErr(err)
			}
			for _, rec := range recs {
				ids = append(ids, rec.ID)
			}
		}

		out = make([]Balance, len(ids))
		var (
			reqs    []batch.Request[common.Address]
			pending []int
		)
		for i, id := range ids {
			a, err := m.lookup(id)
			if err != nil {
				return err
			}
			out[i] = Balance{AccountID: a.ID, Address: a.Address}
			if wei, ok := m.balances.Get(a.Address); ok {
				out[i].Wei = new(big.Int).Set(wei)
				out[i].Cached = true
				continue
			}
			reqs = append(reqs, batch.Request[common.Address]{ID: a.ID, Payload: a.Address})
			pending = append(pending, i)
		}

		results := m.coord.Submit(ctx, reqs)
		for j, res := range results {
			b := &out[pending[j]]
			wei, err := res.Unpack()
			if err != nil {
				b.Err = err
				continue
			}
			b.Wei = wei
			m.balances.Put(b.Address, new(big.Int).Set(wei))
		}

		sum := batch.Summarize(results)
		level := logrus.InfoLevel
		if sum.Failed > 0 {
			level = logrus.WarnLevel
		}
		_ = m.tel.LogEvent(ctx, s, level, "balances fetched", telemetry.Fields{
			"requested": len(ids),
			"cached":    len(ids) - len(reqs),
			"succeeded": sum.Succeeded,
			"failed":    sum.Failed,
		})
		return ctx.Err()
	})
	return out, err
}
