package keystore

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"pgregory.net/rapid"
)

// cheap scrypt cost so the suite stays fast
var testParams = Params{KDF: KDFScrypt, ScryptN: 1 << 4, ScryptP: 1}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"scrypt", testParams},
		{"argon2id", Params{KDF: KDFArgon2id, Argon2: crypto.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1}}},
		{"pbkdf2", Params{KDF: KDFPBKDF2, PBKDF2Iterations: 1000}},
	}
	secret := []byte("0123456789abcdef0123456789abcdef")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Encrypt(secret, []byte("Tr0ub4dor&3"), tt.params)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if k.Crypto.KDF != tt.params.KDF {
				t.Errorf("kdf = %q, want %q", k.Crypto.KDF, tt.params.KDF)
			}
			got, err := Decrypt(k, []byte("Tr0ub4dor&3"))
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got, secret) {
				t.Error("Decrypt() did not return the original secret")
			}
		})
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	k, err := Encrypt([]byte("secret"), []byte("correct"), testParams)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(k, []byte("wrong")); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Decrypt() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestDecryptTamperedIsIndistinguishable(t *testing.T) {
	k, err := Encrypt([]byte("secret-material"), []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	ct, _ := hex.DecodeString(k.Crypto.CipherText)
	ct[0] ^= 0xff
	tampered := *k
	tampered.Crypto.CipherText = hex.EncodeToString(ct)
	_, tamperErr := Decrypt(&tampered, []byte("pw"))

	mac, _ := hex.DecodeString(k.Crypto.MAC)
	mac[5] ^= 0x01
	badMAC := *k
	badMAC.Crypto.MAC = hex.EncodeToString(mac)
	_, macErr := Decrypt(&badMAC, []byte("pw"))

	_, pwErr := Decrypt(k, []byte("not-pw"))

	for name, err := range map[string]error{"ciphertext": tamperErr, "mac": macErr, "password": pwErr} {
		if err != ErrAuthenticationFailed {
			t.Errorf("%s: error = %v, want exactly ErrAuthenticationFailed", name, err)
		}
	}
}

func TestEncryptRejectsEmptyInput(t *testing.T) {
	if _, err := Encrypt(nil, []byte("pw"), testParams); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty secret error = %v", err)
	}
	if _, err := Encrypt([]byte("s"), nil, testParams); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty password error = %v", err)
	}
	if _, err := Encrypt([]byte("s"), []byte("pw"), Params{KDF: "bcrypt"}); !errors.Is(err, ErrUnsupportedKDF) {
		t.Errorf("unknown kdf error = %v", err)
	}
}

func TestEncryptFreshSaltAndIV(t *testing.T) {
	a, _ := Encrypt([]byte("same"), []byte("pw"), testParams)
	b, _ := Encrypt([]byte("same"), []byte("pw"), testParams)
	if a.Crypto.KDFParams.Salt == b.Crypto.KDFParams.Salt {
		t.Error("salt reused between keystores")
	}
	if a.Crypto.CipherParams.IV == b.Crypto.CipherParams.IV {
		t.Error("iv reused between keystores")
	}
	if a.ID == b.ID {
		t.Error("id reused between keystores")
	}
}

func TestDecryptRejectsHostileParams(t *testing.T) {
	k, _ := Encrypt([]byte("s"), []byte("pw"), testParams)
	tests := []struct {
		name   string
		mutate func(*EncryptedKey)
		want   error
	}{
		{"huge scrypt n", func(k *EncryptedKey) { k.Crypto.KDFParams.N = 1 << 30 }, ErrInvalidKDFParams},
		{"huge scrypt r", func(k *EncryptedKey) { k.Crypto.KDFParams.N = 1 << 14; k.Crypto.KDFParams.R = 1 << 20 }, ErrInvalidKDFParams},
		{"scrypt memory over limit", func(k *EncryptedKey) { k.Crypto.KDFParams.N = 1 << 20; k.Crypto.KDFParams.R = 16 }, ErrInvalidKDFParams},
		{"n not power of two", func(k *EncryptedKey) { k.Crypto.KDFParams.N = 1000 }, ErrInvalidKDFParams},
		{"short dklen", func(k *EncryptedKey) { k.Crypto.KDFParams.DKLen = 16 }, ErrInvalidKDFParams},
		{"short salt", func(k *EncryptedKey) { k.Crypto.KDFParams.Salt = "abcd" }, ErrInvalidKDFParams},
		{"unknown kdf", func(k *EncryptedKey) { k.Crypto.KDF = "bcrypt" }, ErrUnsupportedKDF},
		{"unknown cipher", func(k *EncryptedKey) { k.Crypto.Cipher = "aes-256-cbc" }, ErrUnsupportedCipher},
		{"bad version", func(k *EncryptedKey) { k.Version = 1 }, ErrUnsupportedVersion},
		{"non-hex iv", func(k *EncryptedKey) { k.Crypto.CipherParams.IV = "zz" }, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *k
			tt.mutate(&c)
			if _, err := Decrypt(&c, []byte("pw")); !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncryptKeyRecordsAddress(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	k, err := EncryptKey(key, []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("EncryptKey() error = %v", err)
	}
	want := ethcrypto.PubkeyToAddress(key.PublicKey)
	if k.AccountAddress() != want {
		t.Errorf("address = %s, want %s", k.AccountAddress().Hex(), want.Hex())
	}

	got, err := DecryptKey(k, []byte("pw"))
	if err != nil {
		t.Fatalf("DecryptKey() error = %v", err)
	}
	if ethcrypto.PubkeyToAddress(got.PublicKey) != want {
		t.Error("DecryptKey() returned a different key")
	}

	other, _ := ethcrypto.GenerateKey()
	k.Address = hex.EncodeToString(ethcrypto.PubkeyToAddress(other.PublicKey).Bytes())
	if _, err := DecryptKey(k, []byte("pw")); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("DecryptKey() error = %v, want ErrAddressMismatch", err)
	}
}

// The published Web3 Secret Storage pbkdf2 test vector.
const pbkdf2Vector = `{
  "crypto": {
    "cipher": "aes-128-ctr",
    "cipherparams": {"iv": "6087dab2f9fdbbfaddc31a909735c1e6"},
    "ciphertext": "5318b4d5bcd28de64ee5559e671353e16f075ecae9f99c7a79a38af5f869aa46",
    "kdf": "pbkdf2",
    "kdfparams": {
      "c": 262144,
      "dklen": 32,
      "prf": "hmac-sha256",
      "salt": "ae3cd4e7013836a3df6bd7241b12db061dbe2c6785853cce422d148a624ce0bd"
    },
    "mac": "517ead924a9d0dc3124507e3393d175ce3ff7c1e96529c6c555ce9e51205e9b2"
  },
  "id": "3198bc9c-6672-5ab3-d995-4942343ae5b6",
  "version": 3
}`

func TestDecryptPBKDF2Vector(t *testing.T) {
	k, err := Unmarshal([]byte(pbkdf2Vector))
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	got, err := Decrypt(k, []byte("testpassword"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	want := "7a28b5ba57c53603b0b07b56bba752f7784bf506fa95edc395f5cf6c7514fe9d"
	if hex.EncodeToString(got) != want {
		t.Errorf("Decrypt() = %x, want %s", got, want)
	}
}

func TestGethInterop(t *testing.T) {
	secret := []byte("geth-compatible-secret-material!")

	// ours -> geth
	k, err := Encrypt(secret, []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	raw, _ := json.Marshal(k.Crypto)
	var gethCrypto keystore.CryptoJSON
	if err := json.Unmarshal(raw, &gethCrypto); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	plain, err := keystore.DecryptDataV3(gethCrypto, "pw")
	if err != nil {
		t.Fatalf("geth DecryptDataV3() error = %v", err)
	}
	if !bytes.Equal(plain, secret) {
		t.Error("geth decrypted a different secret")
	}

	// geth -> ours
	gethOut, err := keystore.EncryptDataV3(secret, []byte("pw"), 1<<4, 1)
	if err != nil {
		t.Fatalf("geth EncryptDataV3() error = %v", err)
	}
	raw, _ = json.Marshal(gethOut)
	var ours CryptoJSON
	if err := json.Unmarshal(raw, &ours); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	got, err := Decrypt(&EncryptedKey{Version: Version, Crypto: ours}, []byte("pw"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("Decrypt() of geth output returned a different secret")
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secret := rapid.SliceOfN(rapid.Byte(), 1, 96).Draw(t, "secret")
		password := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "password")
		wrong := rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "wrong")

		k, err := Encrypt(secret, password, testParams)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		got, err := Decrypt(k, password)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(got, secret) {
			t.Fatalf("round trip mismatch")
		}
		if !bytes.Equal(wrong, password) {
			if _, err := Decrypt(k, wrong); !errors.Is(err, ErrAuthenticationFailed) {
				t.Fatalf("wrong password error = %v", err)
			}
		}
	})
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, _ := ethcrypto.GenerateKey()
	k, err := EncryptKey(key, []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("EncryptKey() error = %v", err)
	}

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	path := filepath.Join(dir, FileName(k, created))
	if err := WriteFile(path, k); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	loaded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if loaded.Address != k.Address || loaded.Crypto.MAC != k.Crypto.MAC {
		t.Error("ReadFile() returned a different keystore")
	}
	if _, err := DecryptKey(loaded, []byte("pw")); err != nil {
		t.Errorf("DecryptKey() error = %v", err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "{", `{"version":3}`, `{"version":2,"crypto":{}}`} {
		if _, err := Unmarshal([]byte(in)); err == nil {
			t.Errorf("Unmarshal(%q) succeeded", in)
		}
	}
}

func TestEngineDecrypt(t *testing.T) {
	e, err := NewEngine(testParams, 2)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	secret := crypto.CopySecret([]byte("engine-secret"))
	defer secret.Destroy()
	password := crypto.CopySecret([]byte("pw"))
	defer password.Destroy()

	ctx := context.Background()
	k, err := e.Encrypt(ctx, secret, password)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	out, err := e.Decrypt(ctx, k, password)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	defer out.Destroy()
	_ = out.Use(func(b []byte) error {
		if string(b) != "engine-secret" {
			t.Errorf("Decrypt() = %q", b)
		}
		return nil
	})

	wrong := crypto.CopySecret([]byte("nope"))
	defer wrong.Destroy()
	if err := e.Verify(ctx, k, wrong); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Verify() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestEngineCancelledContext(t *testing.T) {
	e, _ := NewEngine(testParams, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	password := crypto.CopySecret([]byte("pw"))
	defer password.Destroy()
	k, _ := Encrypt([]byte("x"), []byte("pw"), testParams)
	if _, err := e.Decrypt(ctx, k, password); !errors.Is(err, context.Canceled) {
		t.Errorf("Decrypt() error = %v, want context.Canceled", err)
	}
}
