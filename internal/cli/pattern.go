// Package cli provides shared utilities for walletctl commands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/forest6511/walletctl/pkg/account"

	"github.com/ethereum/go-ethereum/common"
)

// tagPrefix marks a selector that matches account tags.
const tagPrefix = "tag:"

// MatchPattern reports which of names match pattern. A pattern without glob
// characters (*?[) must match exactly.
func MatchPattern(pattern string, names []string) ([]int, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	var idx []int
	for i, name := range names {
		if name == "" {
			continue
		}
		matched, err := filepath.Match(pattern, name)
		if err != nil {
			return nil, err
		}
		if matched {
			idx = append(idx, i)
		}
	}
	return idx, nil
}

// SelectAccounts resolves selectors against accounts. A selector is an
// account ID, a 0x address, "tag:<pattern>" or a nickname pattern. Every
// selector must match at least one account. The result keeps the order of
// accounts and holds each account once.
func SelectAccounts(selectors []string, accounts []*account.Account) ([]*account.Account, error) {
	picked := make([]bool, len(accounts))
	nicknames := make([]string, len(accounts))
	for i, a := range accounts {
		nicknames[i] = a.Nickname
	}

	for _, sel := range selectors {
		idx, err := selectOne(sel, accounts, nicknames)
		if err != nil {
			return nil, err
		}
		if len(idx) == 0 {
			return nil, fmt.Errorf("no account matches '%s'", sel)
		}
		for _, i := range idx {
			picked[i] = true
		}
	}

	var out []*account.Account
	for i, a := range accounts {
		if picked[i] {
			out = append(out, a)
		}
	}
	return out, nil
}

func selectOne(sel string, accounts []*account.Account, nicknames []string) ([]int, error) {
	switch {
	case strings.HasPrefix(sel, tagPrefix):
		pattern := strings.TrimPrefix(sel, tagPrefix)
		var idx []int
		for i, a := range accounts {
			hits, err := MatchPattern(pattern, a.Tags)
			if err != nil {
				return nil, err
			}
			if len(hits) > 0 {
				idx = append(idx, i)
			}
		}
		return idx, nil

	case common.IsHexAddress(sel) && strings.HasPrefix(strings.ToLower(sel), "0x"):
		addr := common.HexToAddress(sel)
		for i, a := range accounts {
			if a.Address == addr {
				return []int{i}, nil
			}
		}
		return nil, nil
	}

	for i, a := range accounts {
		if a.ID == sel {
			return []int{i}, nil
		}
	}
	return MatchPattern(sel, nicknames)
}

// SelectAccount resolves a selector that must name exactly one account.
func SelectAccount(selector string, accounts []*account.Account) (*account.Account, error) {
	out, err := SelectAccounts([]string{selector}, accounts)
	if err != nil {
		return nil, err
	}
	if len(out) > 1 {
		return nil, fmt.Errorf("'%s' matches %d accounts", selector, len(out))
	}
	return out[0], nil
}
