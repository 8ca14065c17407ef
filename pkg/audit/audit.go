// Package audit keeps an append-only, HMAC-chained log of wallet operations.
//
// Records never contain key material or plaintext addresses. Accounts are
// identified by an HMAC of their address under a key derived from the wallet
// key, so the log can only be linked to accounts by someone who can unlock
// the wallet.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
)

var log = logrus.WithField("prefix", "audit")

const (
	// SchemaVersion is written to every record.
	SchemaVersion = 1

	// MaxPending bounds the events held in memory while no HMAC key is
	// set. The oldest are dropped first.
	MaxPending = 256

	genesis      = "genesis"
	metaFileName = "audit.meta"
	hkdfInfo     = "walletctl-audit-v1"
)

// Operation types.
const (
	OpWalletInit         = "wallet.init"
	OpWalletUnlock       = "wallet.unlock"
	OpWalletUnlockFailed = "wallet.unlock_failed"
	OpWalletLock         = "wallet.lock"

	OpAccountCreate      = "account.create"
	OpAccountImport      = "account.import"
	OpAccountAddHardware = "account.add_hardware"
	OpAccountRemove      = "account.remove"
	OpAccountRename      = "account.rename"
	OpAccountTags        = "account.tags"
	OpAccountSelect      = "account.select"
	OpAccountExportKey   = "account.export_key"
	OpAccountExportSeed  = "account.export_seed"
	OpAccountSign        = "account.sign"

	OpAuthGrant = "auth.grant"

	OpBackupCreate  = "backup.create"
	OpBackupRestore = "backup.restore"
)

// Sources.
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Results.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

var (
	ErrNoHMACKey = errors.New("audit: HMAC key not set")
	ErrFormat    = errors.New("audit: unsupported export format")
)

// Event is one audit record.
type Event struct {
	Version       int               `json:"v"`
	ID            string            `json:"id"`
	Timestamp     string            `json:"ts"`
	Operation     string            `json:"op"`
	Account       string            `json:"acct,omitempty"`
	CorrelationID string            `json:"cid,omitempty"`
	Actor         Actor             `json:"actor"`
	Result        string            `json:"result"`
	Error         *ErrorInfo        `json:"error,omitempty"`
	Context       map[string]string `json:"ctx,omitempty"`
	Chain         Chain             `json:"chain"`
}

// Time parses the record timestamp.
func (e *Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// Actor is who performed the operation.
type Actor struct {
	Source    string `json:"source"`
	SessionID string `json:"session_id"`
}

// ErrorInfo describes a failed operation. Message has been sanitized.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// Entry is what callers record. Account is a hex address or empty.
type Entry struct {
	Op            string
	Source        string
	Result        string
	Account       string
	CorrelationID string
	ErrCode       string
	Err           error
	Context       map[string]interface{}
}

type pendingEntry struct {
	entry Entry
	id    string
	at    time.Time
}

// chainState is persisted in audit.meta. The anchor is where Verify starts;
// it moves forward when old records are pruned.
type chainState struct {
	Sequence   int64  `json:"seq"`
	PrevHash   string `json:"prev"`
	AnchorSeq  int64  `json:"anchor_seq"`
	AnchorPrev string `json:"anchor_prev"`
}

// Logger appends chained records to monthly YYYY-MM.jsonl files.
type Logger struct {
	path      string
	clock     clock.Clock
	sessionID string

	mu      sync.Mutex
	hmacKey []byte
	state   chainState
	pending []pendingEntry
}

// NewLogger returns a logger writing under path. A nil clk uses the system
// clock.
func NewLogger(path string, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Logger{
		path:      path,
		clock:     clk,
		sessionID: uuid.NewString(),
		state:     chainState{PrevHash: genesis, AnchorPrev: genesis},
	}
}

// Path returns the audit log directory.
func (l *Logger) Path() string {
	return l.path
}

// SessionID identifies this process in Actor records.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// SetHMACKey derives the chain key from master with HKDF-SHA256, loads the
// chain state and writes any events recorded while no key was set.
func (l *Logger) SetHMACKey(master []byte) error {
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = key
	if err := l.loadChainState(); err != nil {
		return err
	}

	pending := l.pending
	l.pending = nil
	for _, p := range pending {
		if err := l.append(p); err != nil {
			return err
		}
	}
	return nil
}

// ClearHMACKey wipes the chain key. Later events are held in memory until
// the key is set again.
func (l *Logger) ClearHMACKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = nil
}

// Pending returns how many events are waiting for a key.
func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Log records e. Without a key the event is queued and nil is returned.
func (l *Logger) Log(e Entry) error {
	p := pendingEntry{entry: e, id: newEventID(), at: l.clock.Now().UTC()}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		if len(l.pending) >= MaxPending {
			log.WithField("op", l.pending[0].entry.Op).Warn("dropping queued audit event")
			l.pending = l.pending[1:]
		}
		l.pending = append(l.pending, p)
		return nil
	}
	return l.append(p)
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op, source, account string) error {
	return l.Log(Entry{Op: op, Source: source, Result: ResultSuccess, Account: account})
}

// LogError records a failed operation.
func (l *Logger) LogError(op, source, account string, err error) error {
	return l.Log(Entry{Op: op, Source: source, Result: ResultError, Account: account, Err: err})
}

// LogDenied records a refused operation.
func (l *Logger) LogDenied(op, source, account, reason string) error {
	return l.Log(Entry{
		Op: op, Source: source, Result: ResultDenied, Account: account,
		Context: map[string]interface{}{"reason": reason},
	})
}

func (l *Logger) append(p pendingEntry) error {
	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	e := p.entry
	event := Event{
		Version:       SchemaVersion,
		ID:            p.id,
		Timestamp:     p.at.Format(time.RFC3339Nano),
		Operation:     e.Op,
		CorrelationID: e.CorrelationID,
		Actor:         Actor{Source: e.Source, SessionID: l.sessionID},
		Result:        e.Result,
	}
	if e.Account != "" {
		event.Account = l.mac([]byte(strings.ToLower(e.Account)))
	}
	if e.Err != nil || e.ErrCode != "" {
		event.Error = &ErrorInfo{Code: e.ErrCode}
		if e.Err != nil {
			event.Error.Message = telemetry.SanitizeText(e.Err.Error())
		}
	}
	if len(e.Context) > 0 {
		event.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			event.Context[k] = telemetry.SanitizeField(k, v)
		}
	}

	event.Chain.Sequence = l.state.Sequence + 1
	event.Chain.PrevHash = l.state.PrevHash
	sum, err := l.recordHMAC(&event)
	if err != nil {
		return err
	}
	event.Chain.HMAC = sum

	if err := l.writeEvent(&event, p.at); err != nil {
		return err
	}
	l.state.Sequence = event.Chain.Sequence
	l.state.PrevHash = event.Chain.HMAC
	return l.saveChainState()
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.hmacKey)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// recordHMAC covers every field of the record except the HMAC itself.
func (l *Logger) recordHMAC(e *Event) (string, error) {
	c := *e
	c.Chain.HMAC = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", fmt.Errorf("audit: failed to marshal record: %w", err)
	}
	return l.mac(data), nil
}

func (l *Logger) writeEvent(e *Event, at time.Time) error {
	name := filepath.Join(l.path, at.Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, metaFileName))
	if os.IsNotExist(err) {
		l.state = chainState{PrevHash: genesis, AnchorPrev: genesis}
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: failed to read chain state: %w", err)
	}
	var st chainState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("audit: chain state is corrupted: %w", err)
	}
	if st.PrevHash == "" {
		st.PrevHash = genesis
	}
	if st.AnchorPrev == "" {
		st.AnchorPrev = genesis
	}
	l.state = st
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(l.state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.path, metaFileName), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

// newEventID returns a time-ordered UUIDv7.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
