// Package account is the wallet's account lifecycle API.
//
// Manager composes the session guard, keystore engine, account cache,
// signers, batch coordinator, telemetry recorder, persistent store and
// audit log. Callers never touch those directly: every account mutation
// and every use of key material goes through a Manager method, runs inside
// a telemetry span and leaves an audit record.
package account

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/session"
	"github.com/forest6511/walletctl/pkg/signer"
	"github.com/forest6511/walletctl/pkg/store"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/text/unicode/norm"
)

// Type is how an account's key came to exist.
type Type string

const (
	TypeSeed       Type = "seed"
	TypePrivateKey Type = "private_key"
	TypeHardware   Type = "hardware"
)

// Nickname and tag limits.
const (
	MaxNicknameLength = 32
	MaxTags           = 10
	MaxTagLength      = 64
)

var nicknamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\- ]+$`)

var (
	ErrNotInitialized     = errors.New("account: wallet not initialized")
	ErrAlreadyInitialized = errors.New("account: wallet already initialized")
	ErrNotFound           = errors.New("account: account not found")
	ErrDuplicateAccount   = errors.New("account: an account with this address already exists")
	ErrInvalidToken       = errors.New("account: authorization token invalid or expired")
	ErrUnsupported        = errors.New("account: operation not supported for this account type")
	ErrNoProvider         = errors.New("account: no balance provider configured")
	ErrDeviceNotAttached  = errors.New("account: hardware device not attached")
	ErrCooldown           = errors.New("account: too many failed unlock attempts")
	ErrClosed             = errors.New("account: manager closed")

	// ErrWrongPassword is returned by Unlock and Authorize on a bad password.
	ErrWrongPassword = session.ErrWrongPassword
)

// ValidationError names the field and the rule it violated.
type ValidationError struct {
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("account: invalid %s: %s", e.Field, e.Rule)
}

// Validation rules.
const (
	RuleRequired  = "required"
	RuleMaxLength = "max_length"
	RuleCharset   = "charset"
	RuleUnique    = "unique"
	RuleMaxCount  = "max_count"
	RuleEmpty     = "empty"
)

// Account is the public view of a wallet account. Keystore is encrypted;
// no plaintext key is ever part of an Account.
type Account struct {
	ID             string
	Address        common.Address
	Nickname       string
	Tags           []string
	Type           Type
	DerivationPath string
	Signer         signer.Kind
	Device         string
	CreatedAt      time.Time
	LastUsed       time.Time

	Keystore *keystore.EncryptedKey
}

// HasSeed reports whether the account was derived from a stored seed.
func (a *Account) HasSeed() bool {
	return a.Type == TypeSeed
}

func (a *Account) clone() *Account {
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	return &c
}

// NormalizeNickname trims and NFC-normalizes n and checks it. An empty
// result is allowed; nicknames are optional.
func NormalizeNickname(n string) (string, error) {
	n = norm.NFC.String(strings.TrimSpace(n))
	if n == "" {
		return "", nil
	}
	if utf8.RuneCountInString(n) > MaxNicknameLength {
		return "", &ValidationError{Field: "nickname", Rule: RuleMaxLength}
	}
	if !nicknamePattern.MatchString(n) {
		return "", &ValidationError{Field: "nickname", Rule: RuleCharset}
	}
	return n, nil
}

// suffixedNickname appends " n" to base, cutting base short when the
// result would exceed MaxNicknameLength.
func suffixedNickname(base string, n int) (string, error) {
	suffix := " " + strconv.Itoa(n)
	r := []rune(base)
	if limit := MaxNicknameLength - len(suffix); len(r) > limit {
		r = r[:limit]
	}
	return NormalizeNickname(strings.TrimRight(string(r), " ") + suffix)
}

// NormalizeTags trims every tag and returns the sorted set.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) > MaxTags {
		return nil, &ValidationError{Field: "tags", Rule: RuleMaxCount}
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = norm.NFC.String(strings.TrimSpace(t))
		switch {
		case t == "":
			return nil, &ValidationError{Field: "tags", Rule: RuleEmpty}
		case utf8.RuneCountInString(t) > MaxTagLength:
			return nil, &ValidationError{Field: "tags", Rule: RuleMaxLength}
		}
		if _, dup := seen[t]; dup {
			return nil, &ValidationError{Field: "tags", Rule: RuleUnique}
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func fromRecord(r *store.Account) (*Account, error) {
	kind, err := signer.ParseKind(r.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrDatabaseCorrupted, err)
	}
	return &Account{
		ID:             r.ID,
		Address:        r.Address,
		Nickname:       r.Nickname,
		Tags:           append([]string(nil), r.Tags...),
		Type:           Type(r.Type),
		DerivationPath: r.DerivationPath,
		Signer:         kind,
		Device:         r.Device,
		CreatedAt:      r.CreatedAt,
		LastUsed:       r.LastUsed,
		Keystore:       r.Keystore,
	}, nil
}

// mapStoreErr translates store sentinels to this package's.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrDuplicateAddress):
		return ErrDuplicateAccount
	case errors.Is(err, store.ErrDuplicateNickname):
		return &ValidationError{Field: "nickname", Rule: RuleUnique}
	case errors.Is(err, store.ErrNotInitialized):
		return ErrNotInitialized
	case errors.Is(err, store.ErrAlreadyInitialized):
		return ErrAlreadyInitialized
	case errors.Is(err, store.ErrClosed):
		return ErrClosed
	}
	return err
}
