package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/walletctl/pkg/keystore"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var (
	testTime   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testParams = keystore.Params{KDF: keystore.KDFScrypt, ScryptN: 1 << 4, ScryptP: 1}
)

func openTestStore(t *testing.T) (*Store, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(testTime)
	s, err := Open(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func testCheck(t *testing.T) *keystore.EncryptedKey {
	t.Helper()
	k, err := keystore.Encrypt([]byte("check-bytes-0123456789abcdef"), []byte("pw"), testParams)
	require.NoError(t, err)
	return k
}

func testAccount(id, addr, nickname string) *Account {
	return &Account{
		ID:        id,
		Address:   common.HexToAddress(addr),
		Nickname:  nickname,
		Tags:      []string{"defi"},
		Type:      "private_key",
		CreatedAt: testTime,
	}
}

func TestOpenCreatesFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wallet")
	s, err := Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(filepath.Join(dir, DBFileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(FileMode), info.Mode().Perm())

	info, err = os.Stat(dir)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(DirMode), info.Mode().Perm())

	require.NoError(t, s.CheckIntegrity())
}

func TestReopenKeepsSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.InitWallet(testCheck(t)))
	require.NoError(t, s.InsertAccount(testAccount("a", "0x01", "main")))
	require.NoError(t, s.Close())

	s, err = Open(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	version, err := getSchemaVersion(s.db)
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, version)

	a, err := s.GetAccount("a")
	require.NoError(t, err)
	require.Equal(t, "main", a.Nickname)
}

func TestInitWallet(t *testing.T) {
	s, _ := openTestStore(t)

	ok, err := s.Initialized()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.PasswordCheck()
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = s.ReadMeta()
	require.ErrorIs(t, err, ErrNotInitialized)

	check := testCheck(t)
	require.NoError(t, s.InitWallet(check))
	require.ErrorIs(t, s.InitWallet(check), ErrAlreadyInitialized)

	ok, err = s.Initialized()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.PasswordCheck()
	require.NoError(t, err)
	require.Equal(t, check.ID, got.ID)
	require.Equal(t, check.Crypto.MAC, got.Crypto.MAC)

	meta, err := s.ReadMeta()
	require.NoError(t, err)
	require.Equal(t, FormatVersion, meta.Version)
	require.True(t, meta.CreatedAt.Equal(testTime))
}

func TestAccountCRUD(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.InitWallet(testCheck(t)))

	ks := testCheck(t)
	a := testAccount("id-1", "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", "Main")
	a.Type = "seed"
	a.DerivationPath = "m/44'/60'/0'/0/0"
	a.Keystore = ks
	a.SeedKeystore = ks
	require.NoError(t, s.InsertAccount(a))

	got, err := s.GetAccount("id-1")
	require.NoError(t, err)
	require.Equal(t, a.Address, got.Address)
	require.Equal(t, "Main", got.Nickname)
	require.Equal(t, []string{"defi"}, got.Tags)
	require.Equal(t, "seed", got.Type)
	require.Equal(t, a.DerivationPath, got.DerivationPath)
	require.Equal(t, "software", got.Signer)
	require.True(t, got.CreatedAt.Equal(testTime))
	require.True(t, got.LastUsed.IsZero())
	require.Equal(t, ks.Crypto.CipherText, got.Keystore.Crypto.CipherText)
	require.NotNil(t, got.SeedKeystore)

	byAddr, err := s.GetAccountByAddress(a.Address)
	require.NoError(t, err)
	require.Equal(t, "id-1", byAddr.ID)

	got.Nickname = "Renamed"
	got.Tags = []string{"cold", "savings"}
	got.LastUsed = testTime.Add(time.Hour)
	require.NoError(t, s.UpdateAccount(got))

	got, err = s.GetAccount("id-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Nickname)
	require.Equal(t, []string{"cold", "savings"}, got.Tags)
	require.True(t, got.LastUsed.Equal(testTime.Add(time.Hour)))

	require.NoError(t, s.TouchAccount("id-1", testTime.Add(2*time.Hour)))
	require.ErrorIs(t, s.TouchAccount("missing", testTime), ErrNotFound)

	require.NoError(t, s.SetCurrentAccount("id-1"))
	require.NoError(t, s.DeleteAccount("id-1"))
	current, err := s.CurrentAccount()
	require.NoError(t, err)
	require.Empty(t, current)

	_, err = s.GetAccount("id-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteAccount("id-1"), ErrNotFound)
	require.ErrorIs(t, s.UpdateAccount(got), ErrNotFound)
}

func TestUniqueness(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.InsertAccount(testAccount("a", "0x01", "Main")))

	require.ErrorIs(t, s.InsertAccount(testAccount("b", "0x01", "Other")), ErrDuplicateAddress)
	require.ErrorIs(t, s.InsertAccount(testAccount("b", "0x02", "main")), ErrDuplicateNickname)
	require.ErrorIs(t, s.InsertAccount(testAccount("a", "0x03", "Third")), ErrDuplicateID)

	// nicknames are optional
	require.NoError(t, s.InsertAccount(testAccount("c", "0x04", "")))
	require.NoError(t, s.InsertAccount(testAccount("d", "0x05", "")))

	d, err := s.GetAccount("d")
	require.NoError(t, err)
	d.Nickname = "MAIN"
	require.ErrorIs(t, s.UpdateAccount(d), ErrDuplicateNickname)
}

func TestInsertAccountsAllOrNothing(t *testing.T) {
	s, _ := openTestStore(t)

	hw := testAccount("hw", "0x10", "Ledger")
	hw.Type = "hardware"
	hw.Signer = "ledger"
	hw.Device = "nano-1"
	require.NoError(t, s.InsertAccounts([]*Account{hw, testAccount("b", "0x11", "")}))

	got, err := s.GetAccount("hw")
	require.NoError(t, err)
	require.Equal(t, "ledger", got.Signer)
	require.Equal(t, "nano-1", got.Device)
	require.Nil(t, got.Keystore)

	err = s.InsertAccounts([]*Account{
		testAccount("c", "0x12", ""),
		testAccount("d", "0x10", ""),
	})
	require.ErrorIs(t, err, ErrDuplicateAddress)
	_, err = s.GetAccount("c")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListAccountsOrdered(t *testing.T) {
	s, _ := openTestStore(t)

	for i, id := range []string{"c", "a", "b"} {
		a := testAccount(id, "0x01", "")
		a.Address = common.BytesToAddress([]byte{byte(i + 1)})
		a.CreatedAt = testTime.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.InsertAccount(a))
	}

	list, err := s.ListAccounts()
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestReplaceAll(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.InitWallet(testCheck(t)))
	require.NoError(t, s.InsertAccount(testAccount("old", "0x01", "Old")))

	err := s.ReplaceAll([]*Account{
		testAccount("n1", "0x02", "One"),
		testAccount("n2", "0x03", "Two"),
	}, "n2")
	require.NoError(t, err)

	list, err := s.ListAccounts()
	require.NoError(t, err)
	require.Len(t, list, 2)
	current, err := s.CurrentAccount()
	require.NoError(t, err)
	require.Equal(t, "n2", current)

	// a failing replacement leaves the previous set intact
	err = s.ReplaceAll([]*Account{
		testAccount("x1", "0x04", "Dup"),
		testAccount("x2", "0x05", "dup"),
	}, "")
	require.ErrorIs(t, err, ErrDuplicateNickname)
	list, err = s.ListAccounts()
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestCooldown(t *testing.T) {
	s, clk := openTestStore(t)

	for i := 0; i < CooldownThreshold1-1; i++ {
		d, err := s.RecordFailedAttempt()
		require.NoError(t, err)
		require.Zero(t, d)
	}
	_, err := s.CheckCooldown()
	require.NoError(t, err)

	d, err := s.RecordFailedAttempt()
	require.NoError(t, err)
	require.Equal(t, CooldownDuration1, d)

	remaining, err := s.CheckCooldown()
	require.ErrorIs(t, err, ErrCooldownActive)
	require.Equal(t, CooldownDuration1, remaining)

	clk.SetTime(testTime.Add(CooldownDuration1))
	_, err = s.CheckCooldown()
	require.NoError(t, err)

	state, err := s.LoadLockState()
	require.NoError(t, err)
	require.Equal(t, CooldownThreshold1, state.FailedAttempts)

	require.NoError(t, s.ClearLockState())
	state, err = s.LoadLockState()
	require.NoError(t, err)
	require.Zero(t, state.FailedAttempts)
}

func TestCorruptedLockStateResets(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), LockFileName), []byte("{not json"), FileMode))

	state, err := s.LoadLockState()
	require.NoError(t, err)
	require.Zero(t, state.FailedAttempts)
}

func TestClosed(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.ListAccounts()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.InsertAccount(testAccount("a", "0x01", "")), ErrClosed)
}
