package hdkey

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestDeriveKnownAddress(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")

	k, err := DeriveKey(seed, AccountPath(0))
	require.NoError(t, err)
	require.Equal(t,
		common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"),
		ethcrypto.PubkeyToAddress(k.PublicKey))

	addr, err := DeriveAddress(seed, AccountPath(0))
	require.NoError(t, err)
	require.Equal(t, ethcrypto.PubkeyToAddress(k.PublicKey), addr)

	other, err := DeriveAddress(seed, AccountPath(1))
	require.NoError(t, err)
	require.NotEqual(t, addr, other)
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("m/44'/60'/0'/0/7")
	require.NoError(t, err)
	require.Equal(t, AccountPath(7), p)

	for _, bad := range []string{
		"",
		"m/44'/60'/0'/0",
		"m/44'/0'/0'/0/0",
		"m/49'/60'/0'/0/0",
		"m/44'/60'/0/0/0",
		"m/44'/60'/0'/2/0",
		"m/44'/60'/0'/0/0'",
		"not a path",
	} {
		_, err := ParsePath(bad)
		require.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestDeriveRejectsBadSeed(t *testing.T) {
	_, err := DeriveKey([]byte("short"), AccountPath(0))
	require.ErrorIs(t, err, ErrInvalidSeed)
}

func TestZero(t *testing.T) {
	seed := bip39.NewSeed(testMnemonic, "")
	k, err := DeriveKey(seed, AccountPath(0))
	require.NoError(t, err)

	Zero(k)
	require.Zero(t, k.D.Sign())
	Zero(nil)
}

func TestNewMnemonic(t *testing.T) {
	for _, s := range []Strength{Words12, Words24} {
		phrase, err := NewMnemonic(s)
		require.NoError(t, err)
		require.Len(t, strings.Fields(phrase), s.Words())
		require.True(t, bip39.IsMnemonicValid(phrase))
	}

	_, err := NewMnemonic(Strength(100))
	require.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestSeedMatchesBIP39(t *testing.T) {
	seed, err := Seed("  Abandon abandon abandon abandon abandon abandon\nabandon abandon abandon abandon abandon ABOUT ", "")
	require.NoError(t, err)
	require.Equal(t, bip39.NewSeed(testMnemonic, ""), seed)

	withPass, err := Seed(testMnemonic, "TREZOR")
	require.NoError(t, err)
	require.NotEqual(t, seed, withPass)
}

func TestSeedRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"too short":    "abandon abandon abandon",
		"bad checksum": strings.Repeat("abandon ", 12),
		"unknown word": "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon zzzz",
		"empty":        "",
	}
	for name, phrase := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Seed(phrase, "")
			require.ErrorIs(t, err, ErrInvalidMnemonic)
		})
	}
}
