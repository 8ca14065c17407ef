package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

const testAddr = "0x742d35Cc6634C0532925a3b844Bc454e4438f0bE"

var testTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLogger(t *testing.T) (*Logger, *clock.TestClock) {
	t.Helper()
	clk := clock.NewTestClock(testTime)
	l := NewLogger(t.TempDir(), clk)
	if err := l.SetHMACKey(bytes.Repeat([]byte{7}, 32)); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	return l, clk
}

func readRaw(t *testing.T, dir string) []byte {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	var all []byte
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		all = append(all, data...)
	}
	return all
}

func TestLogWritesChainedRecords(t *testing.T) {
	l, _ := newTestLogger(t)

	if err := l.LogSuccess(OpAccountCreate, SourceCLI, testAddr); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}
	if err := l.LogSuccess(OpAccountSign, SourceCLI, testAddr); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	name := filepath.Join(l.Path(), "2024-03.jsonl")
	info, err := os.Stat(name)
	if err != nil {
		t.Fatalf("expected monthly log file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}

	events, err := l.ListEvents(Filter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first, second := events[0], events[1]
	if first.Chain.Sequence != 1 || first.Chain.PrevHash != genesis {
		t.Errorf("unexpected first chain link: %+v", first.Chain)
	}
	if second.Chain.PrevHash != first.Chain.HMAC {
		t.Error("second record does not link to the first")
	}
	if first.Timestamp != testTime.Format(time.RFC3339Nano) {
		t.Errorf("expected clock timestamp, got %s", first.Timestamp)
	}
	if first.Actor.SessionID != l.SessionID() {
		t.Error("expected session id in actor")
	}
}

func TestAccountIsHMACed(t *testing.T) {
	l, _ := newTestLogger(t)
	if err := l.LogSuccess(OpAccountRename, SourceCLI, testAddr); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}

	raw := readRaw(t, l.Path())
	if bytes.Contains(bytes.ToLower(raw), []byte("742d35cc")) {
		t.Fatal("address leaked into audit log")
	}

	id, err := l.AccountID(strings.ToLower(testAddr))
	if err != nil {
		t.Fatalf("AccountID failed: %v", err)
	}
	events, err := l.ListEvents(Filter{Account: id})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected account filter to match, got %d", len(events))
	}
}

func TestErrorAndContextAreSanitized(t *testing.T) {
	l, _ := newTestLogger(t)

	key := strings.Repeat("ab", 32)
	err := l.Log(Entry{
		Op:      OpAccountImport,
		Source:  SourceCLI,
		Result:  ResultError,
		ErrCode: "invalid_key",
		Err:     errors.New("bad key " + key),
		Context: map[string]interface{}{"password": "hunter2", "format": "private_key"},
	})
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	raw := readRaw(t, l.Path())
	if bytes.Contains(raw, []byte(key)) || bytes.Contains(raw, []byte("hunter2")) {
		t.Fatalf("secret leaked into audit log: %s", raw)
	}

	events, _ := l.ListEvents(Filter{})
	e := events[0]
	if e.Error == nil || e.Error.Code != "invalid_key" {
		t.Fatalf("expected error info, got %+v", e.Error)
	}
	if e.Context["format"] != "private_key" {
		t.Errorf("expected plain context value kept, got %q", e.Context["format"])
	}
}

func TestLogDenied(t *testing.T) {
	l, _ := newTestLogger(t)
	if err := l.LogDenied(OpAccountExportKey, SourceCLI, testAddr, "token expired"); err != nil {
		t.Fatalf("LogDenied failed: %v", err)
	}
	events, _ := l.ListEvents(Filter{})
	if events[0].Result != ResultDenied || events[0].Context["reason"] != "token expired" {
		t.Errorf("unexpected denied record: %+v", events[0])
	}
}

func TestEventsQueuedWithoutKey(t *testing.T) {
	clk := clock.NewTestClock(testTime)
	l := NewLogger(t.TempDir(), clk)

	if err := l.LogError(OpWalletUnlockFailed, SourceCLI, "", errors.New("wrong password")); err != nil {
		t.Fatalf("Log without key should queue, got %v", err)
	}
	if l.Pending() != 1 {
		t.Fatalf("expected 1 pending event, got %d", l.Pending())
	}
	if _, err := l.Verify(); !errors.Is(err, ErrNoHMACKey) {
		t.Fatalf("expected ErrNoHMACKey, got %v", err)
	}

	clk.SetTime(testTime.Add(time.Minute))
	if err := l.SetHMACKey(bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("SetHMACKey failed: %v", err)
	}
	if l.Pending() != 0 {
		t.Fatal("expected queue flushed")
	}

	events, _ := l.ListEvents(Filter{})
	if len(events) != 1 || events[0].Operation != OpWalletUnlockFailed {
		t.Fatalf("expected flushed unlock failure, got %+v", events)
	}
	if events[0].Timestamp != testTime.Format(time.RFC3339Nano) {
		t.Error("queued event should keep the time it was recorded")
	}

	l.ClearHMACKey()
	for i := 0; i < MaxPending+5; i++ {
		_ = l.LogSuccess(OpWalletLock, SourceCLI, "")
	}
	if l.Pending() != MaxPending {
		t.Errorf("expected queue capped at %d, got %d", MaxPending, l.Pending())
	}
}

func TestChainPersistsAcrossLoggers(t *testing.T) {
	dir := t.TempDir()
	clk := clock.NewTestClock(testTime)
	key := bytes.Repeat([]byte{9}, 32)

	l1 := NewLogger(dir, clk)
	if err := l1.SetHMACKey(key); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := l1.LogSuccess(OpAccountSign, SourceCLI, testAddr); err != nil {
			t.Fatal(err)
		}
	}

	l2 := NewLogger(dir, clk)
	if err := l2.SetHMACKey(key); err != nil {
		t.Fatal(err)
	}
	if err := l2.LogSuccess(OpWalletLock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}

	result, err := l2.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 4 || result.RecordsVerified != 4 {
		t.Fatalf("unexpected verify result: %+v", result)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(lines [][]byte) [][]byte
	}{
		{
			name: "modified record",
			mutate: func(lines [][]byte) [][]byte {
				lines[1] = bytes.Replace(lines[1], []byte(OpAccountSign), []byte(OpAccountCreate), 1)
				return lines
			},
		},
		{
			name: "deleted record",
			mutate: func(lines [][]byte) [][]byte {
				return append(lines[:1], lines[2:]...)
			},
		},
		{
			name: "truncated tail",
			mutate: func(lines [][]byte) [][]byte {
				return lines[:2]
			},
		},
		{
			name: "reordered records",
			mutate: func(lines [][]byte) [][]byte {
				lines[0], lines[1] = lines[1], lines[0]
				return lines
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLogger(t)
			for i := 0; i < 3; i++ {
				if err := l.LogSuccess(OpAccountSign, SourceCLI, testAddr); err != nil {
					t.Fatal(err)
				}
			}

			file := filepath.Join(l.Path(), "2024-03.jsonl")
			data, err := os.ReadFile(file)
			if err != nil {
				t.Fatal(err)
			}
			lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
			lines = tt.mutate(lines)
			out := append(bytes.Join(lines, []byte("\n")), '\n')
			if err := os.WriteFile(file, out, 0600); err != nil {
				t.Fatal(err)
			}

			result, err := l.Verify()
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if result.Valid {
				t.Fatal("expected tampering to be detected")
			}
			if len(result.Errors) == 0 {
				t.Error("expected verification errors")
			}
		})
	}
}

func TestVerifyWrongKey(t *testing.T) {
	l, clk := newTestLogger(t)
	if err := l.LogSuccess(OpWalletInit, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}

	other := NewLogger(l.Path(), clk)
	if err := other.SetHMACKey(bytes.Repeat([]byte{8}, 32)); err != nil {
		t.Fatal(err)
	}
	result, err := other.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("records should not verify under a different key")
	}
}

func TestVerifyEmptyLog(t *testing.T) {
	l, _ := newTestLogger(t)
	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 0 {
		t.Errorf("unexpected result for empty log: %+v", result)
	}
}

func TestListEventsFilter(t *testing.T) {
	l, clk := newTestLogger(t)
	ops := []string{OpWalletUnlock, OpAccountSign, OpAccountSign, OpWalletLock}
	for i, op := range ops {
		clk.SetTime(testTime.Add(time.Duration(i) * time.Hour))
		if err := l.LogSuccess(op, SourceCLI, ""); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, ops},
		{"limit keeps newest", Filter{Limit: 2}, ops[2:]},
		{"operation", Filter{Operation: OpAccountSign}, ops[1:3]},
		{"since", Filter{Since: testTime.Add(2 * time.Hour)}, ops[2:]},
		{"until", Filter{Until: testTime.Add(time.Hour)}, ops[:2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := l.ListEvents(tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, e := range events {
				got = append(got, e.Operation)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExport(t *testing.T) {
	l, _ := newTestLogger(t)
	if err := l.LogSuccess(OpBackupCreate, SourceCLI, testAddr); err != nil {
		t.Fatal(err)
	}

	data, err := l.Export("json", Filter{})
	if err != nil {
		t.Fatalf("json export failed: %v", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil || len(events) != 1 {
		t.Fatalf("bad json export: %v %s", err, data)
	}

	data, err = l.Export("csv", Filter{})
	if err != nil {
		t.Fatalf("csv export failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "timestamp,operation") {
		t.Fatalf("bad csv export: %q", data)
	}

	if _, err := l.Export("xml", Filter{}); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestCSVSafe(t *testing.T) {
	tests := map[string]string{
		"":         "",
		"plain":    "plain",
		"=SUM(A1)": "'=SUM(A1)",
		"+1":       "'+1",
		"-1":       "'-1",
		"@cmd":     "'@cmd",
	}
	for in, want := range tests {
		if got := csvSafe(in); got != want {
			t.Errorf("csvSafe(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPruneKeepsChainVerifiable(t *testing.T) {
	l, clk := newTestLogger(t)

	// February and March records land in separate files.
	clk.SetTime(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	for i := 0; i < 2; i++ {
		if err := l.LogSuccess(OpAccountSign, SourceCLI, ""); err != nil {
			t.Fatal(err)
		}
	}
	clk.SetTime(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if err := l.LogSuccess(OpAccountSign, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}
	clk.SetTime(time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC))
	if err := l.LogSuccess(OpWalletLock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}

	clk.SetTime(time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC))
	age := 10 * 24 * time.Hour

	n, err := l.PrunePreview(age)
	if err != nil || n != 3 {
		t.Fatalf("PrunePreview = %d, %v; want 3", n, err)
	}
	if events, _ := l.ListEvents(Filter{}); len(events) != 4 {
		t.Fatal("preview must not delete records")
	}

	n, err = l.Prune(age)
	if err != nil || n != 3 {
		t.Fatalf("Prune = %d, %v; want 3", n, err)
	}
	if _, err := os.Stat(filepath.Join(l.Path(), "2024-02.jsonl")); !os.IsNotExist(err) {
		t.Error("expected emptied month file removed")
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.RecordsTotal != 1 {
		t.Fatalf("expected remaining chain valid, got %+v", result)
	}

	if err := l.LogSuccess(OpWalletUnlock, SourceCLI, ""); err != nil {
		t.Fatal(err)
	}
	result, _ = l.Verify()
	if !result.Valid || result.RecordsTotal != 2 {
		t.Fatalf("expected chain valid after append, got %+v", result)
	}
}
