package backup

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"

	"pgregory.net/rapid"
)

// cheap Argon2id cost for tests
var testKDF = crypto.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1, KeyLength: KeyLength}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{KDF: testKDF, Now: func() time.Time { return testNow }}
}

func testPayload(t *testing.T) *Payload {
	t.Helper()
	mk := func(secret string) *keystore.EncryptedKey {
		k, err := keystore.Encrypt([]byte(secret), []byte("account-pw"), keystore.Params{KDF: keystore.KDFScrypt, ScryptN: 16, ScryptP: 1})
		if err != nil {
			t.Fatalf("keystore.Encrypt() error = %v", err)
		}
		return k
	}
	return &Payload{
		Accounts: []Record{
			{
				ID:        "5f0e6f0e-1c1a-4c1e-9a8e-000000000001",
				Address:   "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
				Nickname:  "Main",
				Tags:      []string{"defi", "hot"},
				Type:      "private_key",
				CreatedAt: testNow.Add(-time.Hour),
				Keystore:  mk("key-one"),
			},
			{
				ID:             "5f0e6f0e-1c1a-4c1e-9a8e-000000000002",
				Address:        "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
				Nickname:       "Savings",
				Type:           "seed",
				DerivationPath: "m/44'/60'/0'/0/0",
				CreatedAt:      testNow.Add(-2 * time.Hour),
				Keystore:       mk("key-two"),
				SeedKeystore:   mk("seed-two"),
			},
		},
		CurrentAccount: "5f0e6f0e-1c1a-4c1e-9a8e-000000000001",
		TransferKey:    bytes.Repeat([]byte{0x5a}, 32),
	}
}

func TestCreateRestoreRoundTrip(t *testing.T) {
	payload := testPayload(t)
	v, err := Create(payload, []byte("Tr0ub4dor&3"), testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v.Version != FormatVersion || v.ID == "" || !v.CreatedAt.Equal(testNow) {
		t.Errorf("unexpected vault header: %+v", v)
	}
	if v.Shares != nil {
		t.Error("Shares should be nil without split options")
	}

	got, err := Restore(v, []byte("Tr0ub4dor&3"))
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Errorf("Restore() = %+v, want %+v", got, payload)
	}

	tk := got.TransferKey
	got.Destroy()
	if got.TransferKey != nil || !bytes.Equal(tk, make([]byte, 32)) {
		t.Error("Destroy() should wipe and drop the transfer key")
	}

	if _, err := Restore(v, []byte("wrong")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Restore() wrong password error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := Restore(v, []byte("wrong")); !IsCryptoError(err) {
		t.Error("wrong password should be a crypto error")
	}
	if _, err := Restore(v, []byte("wrong")); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Restore() wrong password error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestCreateFreshRandomness(t *testing.T) {
	payload := testPayload(t)
	a, _ := Create(payload, []byte("pw"), testOptions())
	b, _ := Create(payload, []byte("pw"), testOptions())
	if a.Salt == b.Salt {
		t.Error("salt reused across vaults")
	}
	if a.Nonce == b.Nonce || a.WrapNonce == b.WrapNonce {
		t.Error("nonce reused across vaults")
	}
	if a.ID == b.ID {
		t.Error("vault id reused")
	}
}

func TestRestoreDetectsCiphertextTampering(t *testing.T) {
	v, err := Create(testPayload(t), []byte("pw"), testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ct, _ := hex.DecodeString(v.Ciphertext)

	for _, i := range []int{0, len(ct) / 2, len(ct) - 1} {
		c := *v
		flipped := append([]byte(nil), ct...)
		flipped[i] ^= 0x01
		c.Ciphertext = hex.EncodeToString(flipped)
		_, err := Restore(&c, []byte("pw"))
		if !errors.Is(err, ErrIntegrityFailed) {
			t.Errorf("byte %d flipped: error = %v, want ErrIntegrityFailed", i, err)
		}
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Errorf("byte %d flipped: error = %v, want ErrAuthenticationFailed", i, err)
		}
	}
}

func TestRestoreDetectsHeaderTampering(t *testing.T) {
	v, err := Create(testPayload(t), []byte("pw"), testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Vault)
	}{
		{"created_at", func(v *Vault) { v.CreatedAt = v.CreatedAt.Add(time.Second) }},
		{"nonce", func(v *Vault) { v.Nonce = flipHex(v.Nonce) }},
		{"hmac", func(v *Vault) { v.HMAC = flipHex(v.HMAC) }},
		{"id", func(v *Vault) { v.ID = "00000000-0000-0000-0000-000000000000" }},
		{"wrapped_key", func(v *Vault) { v.WrappedKey = flipHex(v.WrappedKey) }},
		{"salt", func(v *Vault) { v.Salt = flipHex(v.Salt) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *v
			tt.mutate(&c)
			if _, err := Restore(&c, []byte("pw")); !IsCryptoError(err) {
				t.Errorf("Restore() error = %v, want crypto error", err)
			}
		})
	}
}

func flipHex(s string) string {
	b, _ := hex.DecodeString(s)
	b[0] ^= 0x80
	return hex.EncodeToString(b)
}

func TestRestoreSingleByteFlipProperty(t *testing.T) {
	v, err := Create(testPayload(t), []byte("pw"), testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ct, _ := hex.DecodeString(v.Ciphertext)

	rapid.Check(t, func(rt *rapid.T) {
		i := rapid.IntRange(0, len(ct)-1).Draw(rt, "index")
		mask := rapid.ByteRange(1, 255).Draw(rt, "mask")

		flipped := append([]byte(nil), ct...)
		flipped[i] ^= mask
		c := *v
		c.Ciphertext = hex.EncodeToString(flipped)
		p, err := Restore(&c, []byte("pw"))
		if !errors.Is(err, ErrIntegrityFailed) || p != nil {
			rt.Fatalf("flip at %d: payload=%v error=%v", i, p, err)
		}
	})
}

func TestRestoreRejectsMalformed(t *testing.T) {
	v, _ := Create(testPayload(t), []byte("pw"), testOptions())

	bad := *v
	bad.Version = 99
	if _, err := Restore(&bad, []byte("pw")); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("version error = %v", err)
	}
	bad = *v
	bad.Ciphertext = "not-hex"
	if _, err := Restore(&bad, []byte("pw")); !errors.Is(err, ErrMalformedVault) {
		t.Errorf("hex error = %v", err)
	}
	if _, err := Restore(v, nil); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty password error = %v", err)
	}
	if _, err := Create(&Payload{}, nil, testOptions()); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("Create() empty password error = %v", err)
	}
}

func TestSplitVaultRestoreWithShares(t *testing.T) {
	payload := testPayload(t)
	opts := testOptions()
	opts.Split = &SplitOptions{Threshold: 2, Total: 3}

	v, err := Create(payload, []byte("pw"), opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if v.Shares == nil || len(v.Shares.Shares) != 3 {
		t.Fatalf("expected 3 shares, got %+v", v.Shares)
	}

	shares := v.Shares.Shares
	stored := v.WithoutShares()
	if len(stored.Shares.Shares) != 0 || len(v.Shares.Shares) != 3 {
		t.Fatal("WithoutShares() must copy, not mutate")
	}

	for _, pair := range [][2]int{{0, 1}, {1, 2}, {2, 0}} {
		got, err := RestoreWithShares(stored, []Share{shares[pair[0]], shares[pair[1]]})
		if err != nil {
			t.Fatalf("RestoreWithShares(%v) error = %v", pair, err)
		}
		if !reflect.DeepEqual(got, payload) {
			t.Errorf("RestoreWithShares(%v) returned a different payload", pair)
		}
	}

	if _, err := RestoreWithShares(stored, shares[:1]); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("one share error = %v, want ErrInsufficientShares", err)
	}

	// The password path keeps working for a split vault.
	if _, err := Restore(stored, []byte("pw")); err != nil {
		t.Errorf("Restore() on split vault error = %v", err)
	}

	plain, _ := Create(payload, []byte("pw"), testOptions())
	if _, err := RestoreWithShares(plain, shares); !errors.Is(err, ErrNoShares) {
		t.Errorf("unsplit vault error = %v, want ErrNoShares", err)
	}
}

func TestSplitCombine(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	shares, err := Split(secret, 3, 5)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	got, err := Combine([]Share{shares[4], shares[0], shares[2]})
	if err != nil {
		t.Fatalf("Combine() error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Combine() returned a different secret")
	}

	if _, err := Combine(shares[:2]); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("two of three error = %v, want ErrInsufficientShares", err)
	}
	// a repeated share does not count twice
	if _, err := Combine([]Share{shares[0], shares[0], shares[1]}); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("duplicate share error = %v, want ErrInsufficientShares", err)
	}
	if _, err := Combine(nil); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("nil error = %v", err)
	}
}

func TestCombineDetectsTamperedShare(t *testing.T) {
	secret := []byte("vault-data-key-vault-data-key-32")
	shares, err := Split(secret, 2, 3)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	// corrupted data, checksum left alone
	damaged := shares[1]
	damaged.Data = flipHex(damaged.Data)
	if _, err := Combine([]Share{shares[0], damaged}); !errors.Is(err, ErrShareIntegrity) {
		t.Errorf("damaged share error = %v, want ErrShareIntegrity", err)
	}

	// forged data with a recomputed checksum
	forged := shares[1]
	forged.Data = flipHex(forged.Data)
	forged.Checksum = hex.EncodeToString(forged.checksum())
	if _, err := Combine([]Share{shares[0], forged}); !errors.Is(err, ErrShareIntegrity) {
		t.Errorf("forged share error = %v, want ErrShareIntegrity", err)
	}

	other, _ := Split(secret, 2, 3)
	if _, err := Combine([]Share{shares[0], other[1]}); !errors.Is(err, ErrShareIntegrity) {
		t.Errorf("mixed sets error = %v, want ErrShareIntegrity", err)
	}
}

func TestSplitInvalid(t *testing.T) {
	for _, tc := range [][2]int{{1, 3}, {4, 3}, {2, 300}} {
		if _, err := Split([]byte("s"), tc[0], tc[1]); !errors.Is(err, ErrInvalidSplit) {
			t.Errorf("Split(%d of %d) error = %v, want ErrInvalidSplit", tc[0], tc[1], err)
		}
	}
}

func TestShareTextRoundTrip(t *testing.T) {
	shares, _ := Split([]byte("secret"), 2, 2)
	for _, s := range shares {
		parsed, err := ParseShare(s.String())
		if err != nil {
			t.Fatalf("ParseShare() error = %v", err)
		}
		if parsed != s {
			t.Errorf("ParseShare() = %+v, want %+v", parsed, s)
		}
	}
	for _, bad := range []string{"", "walletctl-share:v2:a:2:1:00:00", "walletctl-share:v1:a:x:1:00:00"} {
		if _, err := ParseShare(bad); !errors.Is(err, ErrMalformedShare) {
			t.Errorf("ParseShare(%q) error = %v", bad, err)
		}
	}
}

func TestWriteReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "wallet.vault")

	v, err := Create(testPayload(t), []byte("pw"), testOptions())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := WriteFile(path, v); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != FileMode {
		t.Errorf("file mode = %o, want %o", info.Mode().Perm(), FileMode)
	}

	loaded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if _, err := Restore(loaded, []byte("pw")); err != nil {
		t.Errorf("Restore() of reloaded vault error = %v", err)
	}

	if err := os.WriteFile(path, []byte("{not json"), FileMode); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadFile(path); !errors.Is(err, ErrMalformedVault) {
		t.Errorf("ReadFile() garbage error = %v", err)
	}
}

func TestVerify(t *testing.T) {
	v, _ := Create(testPayload(t), []byte("pw"), testOptions())

	res := Verify(v, []byte("pw"))
	if !res.Valid || res.AccountCount != 2 || res.Error != "" {
		t.Errorf("Verify() = %+v", res)
	}
	res = Verify(v, []byte("nope"))
	if res.Valid || res.Error == "" {
		t.Errorf("Verify() with wrong password = %+v", res)
	}
}
