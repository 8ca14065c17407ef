package telemetry

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tyler-smith/go-bip39"
)

// Category is a class of sensitive data.
type Category int

const (
	CategoryNone Category = iota
	CategoryPrivateKey
	CategorySeedPhrase
	CategoryPassword
	CategoryAddress
	CategoryTxData
	CategoryBalance
)

var markers = map[Category]string{
	CategoryPrivateKey: "[REDACTED:PRIVATE_KEY]",
	CategorySeedPhrase: "[REDACTED:SEED_PHRASE]",
	CategoryPassword:   "[REDACTED:PASSWORD]",
	CategoryAddress:    "[REDACTED:ADDRESS]",
	CategoryTxData:     "[REDACTED:TX_DATA]",
	CategoryBalance:    "[REDACTED:BALANCE]",
}

func (c Category) String() string {
	switch c {
	case CategoryPrivateKey:
		return "private_key"
	case CategorySeedPhrase:
		return "seed_phrase"
	case CategoryPassword:
		return "password"
	case CategoryAddress:
		return "address"
	case CategoryTxData:
		return "tx_data"
	case CategoryBalance:
		return "balance"
	default:
		return "none"
	}
}

// Marker returns the redaction marker for c.
func (c Category) Marker() string { return markers[c] }

// minSeedWords is the shortest BIP-39 mnemonic.
const minSeedWords = 12

// Field names are matched by substring after lowercasing. Order matters:
// the first matching category wins.
var nameRules = []struct {
	category Category
	parts    []string
}{
	{CategorySeedPhrase, []string{"mnemonic", "seed", "phrase", "recovery_words"}},
	{CategoryPrivateKey, []string{"private", "privkey", "priv_key", "signing_key", "raw_key"}},
	{CategoryPassword, []string{"password", "passwd", "passphrase", "pwd", "pass", "secret", "credential", "token"}},
	{CategoryTxData, []string{"calldata", "tx_data", "txdata", "transaction", "raw_tx", "signature", "input_data", "payload"}},
	{CategoryBalance, []string{"balance", "amount", "wei", "gwei", "value"}},
	{CategoryAddress, []string{"address", "addr", "recipient", "sender"}},
}

var (
	// 64 hex digits, optionally 0x-prefixed: a private key or hash.
	keyPattern = regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]{64}\b`)
	// 40 hex digits, optionally 0x-prefixed: an address. Keystore files
	// carry the bare form.
	addressPattern = regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]{40}\b`)
	// Anything hex longer than a key: calldata, raw transactions, signatures.
	longHexPattern = regexp.MustCompile(`(?i)\b(?:0x)?[0-9a-f]{65,}\b`)
)

var (
	wordsOnce sync.Once
	wordSet   map[string]struct{}
)

func bip39Words() map[string]struct{} {
	wordsOnce.Do(func() {
		list := bip39.GetWordList()
		wordSet = make(map[string]struct{}, len(list))
		for _, w := range list {
			wordSet[w] = struct{}{}
		}
	})
	return wordSet
}

// ClassifyName returns the category implied by a field name alone.
func ClassifyName(name string) Category {
	lower := strings.ToLower(name)
	for _, r := range nameRules {
		for _, p := range r.parts {
			if strings.Contains(lower, p) {
				return r.category
			}
		}
	}
	return CategoryNone
}

// TruncateAddress shortens an address to its first six and last four
// characters. Values too short to truncate are fully redacted.
func TruncateAddress(s string) string {
	if len(s) > 10 {
		return s[:6] + "..." + s[len(s)-4:]
	}
	return CategoryAddress.Marker()
}

// Redact returns the sanitized form of value under category c.
func Redact(c Category, value string) string {
	switch c {
	case CategoryNone:
		return value
	case CategoryAddress:
		return TruncateAddress(value)
	default:
		return c.Marker()
	}
}

// SanitizeField renders value as a string that is safe to emit under the
// field name. The name decides first; otherwise the value is scanned.
func SanitizeField(name string, value interface{}) string {
	s, binary := render(value)
	if c := ClassifyName(name); c != CategoryNone {
		return Redact(c, s)
	}
	if binary {
		return CategoryPrivateKey.Marker()
	}
	switch value.(type) {
	case common.Address, *common.Address:
		return TruncateAddress(s)
	case *big.Int:
		return CategoryBalance.Marker()
	}
	return SanitizeText(s)
}

// SanitizeText redacts sensitive substrings of free text: seed phrases,
// keys, long hex payloads, and addresses (truncated).
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	if containsSeedPhrase(s) {
		return CategorySeedPhrase.Marker()
	}
	s = longHexPattern.ReplaceAllString(s, CategoryTxData.Marker())
	s = keyPattern.ReplaceAllString(s, CategoryPrivateKey.Marker())
	s = addressPattern.ReplaceAllStringFunc(s, TruncateAddress)
	return s
}

// containsSeedPhrase reports whether s holds a run of at least twelve
// consecutive BIP-39 words.
func containsSeedPhrase(s string) bool {
	words := bip39Words()
	run := 0
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if _, ok := words[f]; ok {
			run++
			if run >= minSeedWords {
				return true
			}
			continue
		}
		run = 0
	}
	return false
}

// render turns value into text. Byte slices are reported as binary and
// never rendered.
func render(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, false
	case []byte:
		return "", true
	case error:
		return v.Error(), false
	case fmt.Stringer:
		return v.String(), false
	default:
		return fmt.Sprint(v), false
	}
}
