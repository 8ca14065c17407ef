package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/walletctl/pkg/audit"
	"github.com/forest6511/walletctl/pkg/batch"
	"github.com/forest6511/walletctl/pkg/cache"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/keystore"
	"github.com/forest6511/walletctl/pkg/security"
	"github.com/forest6511/walletctl/pkg/session"
	"github.com/forest6511/walletctl/pkg/signer"
	"github.com/forest6511/walletctl/pkg/store"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "account")

// Defaults applied by New.
const (
	DefaultCacheSize  = 256
	DefaultCacheTTL   = 15 * time.Minute
	DefaultBalanceTTL = 30 * time.Second
	DefaultTokenTTL   = 5 * time.Minute

	walletKeyLength = 32
)

// Config parameterizes a Manager.
type Config struct {
	// Dir holds the wallet database. Required.
	Dir string
	// AuditDir defaults to Dir/audit.
	AuditDir string
	// Source is recorded as the audit actor. Defaults to audit.SourceCLI.
	Source string

	// Keystore selects the KDF for new keystores. Zero means
	// keystore.StandardParams.
	Keystore keystore.Params
	// KDFWorkers bounds concurrent KDF runs. Zero means one per CPU.
	KDFWorkers int
	// BackupKDF overrides the backup vault Argon2id cost.
	BackupKDF crypto.Argon2Params

	// SessionTimeout is the idle auto-lock period.
	SessionTimeout time.Duration
	// SessionCheckInterval is how often Run checks for idleness.
	SessionCheckInterval time.Duration
	// TokenTTL bounds how long an authorization token stays valid.
	TokenTTL time.Duration

	CacheSize  int
	CacheTTL   time.Duration
	BalanceTTL time.Duration

	// PasswordPolicy applies to the wallet and backup passwords. Zero
	// means security.DefaultPolicy.
	PasswordPolicy security.Policy

	// Provider answers balance queries. Optional.
	Provider batch.Provider[common.Address, *big.Int]
	// Batch configures the coordinator in front of Provider. Zero means
	// batch.DefaultConfig.
	Batch batch.Config

	// Telemetry defaults to a recorder with no sinks.
	Telemetry *telemetry.Recorder
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Manager is the account lifecycle API. All methods are safe for concurrent
// use.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	policy security.Policy

	store    *store.Store
	engine   *keystore.Engine
	guard    *session.Guard
	accounts *cache.Cache[string, *Account]
	balances *cache.Cache[common.Address, *big.Int]
	coord    *batch.Coordinator[common.Address, *big.Int]
	tel      *telemetry.Recorder
	audit    *audit.Logger

	mu        sync.Mutex
	walletKey *crypto.Secret
	tokens    map[AuthToken]grant
	hardware  map[common.Address]signer.Hardware
	closed    bool
}

// New opens the wallet in cfg.Dir. The wallet starts locked.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("account: wallet directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.AuditDir == "" {
		cfg.AuditDir = filepath.Join(cfg.Dir, "audit")
	}
	if cfg.Source == "" {
		cfg.Source = audit.SourceCLI
	}
	if cfg.Keystore == (keystore.Params{}) {
		cfg.Keystore = keystore.StandardParams()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.BalanceTTL <= 0 {
		cfg.BalanceTTL = DefaultBalanceTTL
	}
	if cfg.PasswordPolicy == (security.Policy{}) {
		cfg.PasswordPolicy = security.DefaultPolicy()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Nop()
	}

	engine, err := keystore.NewEngine(cfg.Keystore, cfg.KDFWorkers)
	if err != nil {
		return nil, err
	}
	accounts, err := cache.New[string, *Account]("accounts", cfg.CacheSize, cfg.CacheTTL, cfg.Clock)
	if err != nil {
		return nil, err
	}
	balances, err := cache.New[common.Address, *big.Int]("balances", cfg.CacheSize, cfg.BalanceTTL, cfg.Clock)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		policy:   cfg.PasswordPolicy,
		engine:   engine,
		accounts: accounts,
		balances: balances,
		tel:      cfg.Telemetry,
		audit:    audit.NewLogger(cfg.AuditDir, cfg.Clock),
		tokens:   make(map[AuthToken]grant),
		hardware: make(map[common.Address]signer.Hardware),
	}

	if cfg.Provider != nil {
		bc := cfg.Batch
		if bc.MaxConcurrent == 0 {
			bc = batch.DefaultConfig()
		}
		if bc.Clock == nil {
			bc.Clock = cfg.Clock
		}
		m.coord, err = batch.New[common.Address, *big.Int](cfg.Provider, bc)
		if err != nil {
			return nil, err
		}
	}

	m.store, err = store.Open(cfg.Dir, cfg.Clock)
	if err != nil {
		return nil, err
	}

	m.guard = session.NewGuard(session.VerifierFunc(m.verify), session.Config{
		Timeout:       cfg.SessionTimeout,
		CheckInterval: cfg.SessionCheckInterval,
		Clock:         cfg.Clock,
	})
	m.guard.OnLock(m.onLock)
	return m, nil
}

// Initialized reports whether Init has been run for this wallet.
func (m *Manager) Initialized() (bool, error) {
	ok, err := m.store.Initialized()
	return ok, mapStoreErr(err)
}

// Init creates the wallet protected by password and leaves it unlocked.
func (m *Manager) Init(ctx context.Context, password []byte) error {
	return m.do(ctx, audit.OpWalletInit, func(o *operation) error {
		if err := m.policy.Check(password); err != nil {
			return err
		}
		ok, err := m.store.Initialized()
		if err != nil {
			return mapStoreErr(err)
		}
		if ok {
			return ErrAlreadyInitialized
		}

		key, err := crypto.RandomBytes(walletKeyLength)
		if err != nil {
			return err
		}
		secret := crypto.NewSecret(key)
		defer secret.Destroy()
		pw := crypto.CopySecret(password)
		defer pw.Destroy()

		check, err := m.engine.Encrypt(ctx, secret, pw)
		if err != nil {
			return err
		}
		if err := m.store.InitWallet(check); err != nil {
			return mapStoreErr(err)
		}
		o.ctx["kdf"] = m.engine.Params().KDF
		return m.unlockSession(ctx, password)
	})
}

// Unlock verifies password and unlocks the wallet. Repeated failures
// trigger a persistent cooldown.
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	return m.do(ctx, audit.OpWalletUnlock, func(o *operation) error {
		if err := m.requireInitialized(); err != nil {
			return err
		}
		if remaining, err := m.store.CheckCooldown(); err != nil {
			if errors.Is(err, store.ErrCooldownActive) {
				o.ctx["remaining"] = remaining.Round(time.Second).String()
				return fmt.Errorf("%w: try again in %s", ErrCooldown, remaining.Round(time.Second))
			}
			return err
		}

		err := m.unlockSession(ctx, password)
		switch {
		case errors.Is(err, session.ErrWrongPassword):
			o.op = audit.OpWalletUnlockFailed
			cooldown, rerr := m.store.RecordFailedAttempt()
			if rerr != nil {
				log.WithError(rerr).Warn("failed to record unlock attempt")
			} else if cooldown > 0 {
				o.ctx["cooldown"] = cooldown.String()
			}
			return err
		case err != nil:
			return err
		}
		if err := m.store.ClearLockState(); err != nil {
			log.WithError(err).Warn("failed to clear lock state")
		}
		return nil
	})
}

// unlockSession unlocks the guard and hands the wallet key to the audit
// log. The key recovered by verify is destroyed on every path.
func (m *Manager) unlockSession(ctx context.Context, password []byte) error {
	err := m.guard.Unlock(ctx, password)
	key := m.takeWalletKey()
	if key != nil {
		defer key.Destroy()
	}
	if err != nil || key == nil {
		return err
	}
	if err := key.Use(m.audit.SetHMACKey); err != nil {
		return err
	}
	// A Lock between guard.Unlock and SetHMACKey already ran its hooks.
	if m.guard.State() == session.Locked {
		m.audit.ClearHMACKey()
		return session.ErrLocked
	}
	return nil
}

func (m *Manager) takeWalletKey() *crypto.Secret {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := m.walletKey
	m.walletKey = nil
	return key
}

// verify decrypts the password check. The recovered wallet key is kept for
// unlockSession.
func (m *Manager) verify(ctx context.Context, password []byte) error {
	key, err := m.checkPassword(ctx, password)
	if err != nil {
		return err
	}
	m.mu.Lock()
	old := m.walletKey
	m.walletKey = key
	m.mu.Unlock()
	if old != nil {
		old.Destroy()
	}
	return nil
}

func (m *Manager) checkPassword(ctx context.Context, password []byte) (*crypto.Secret, error) {
	check, err := m.store.PasswordCheck()
	if err != nil {
		return nil, mapStoreErr(err)
	}
	pw := crypto.CopySecret(password)
	defer pw.Destroy()
	return m.engine.Decrypt(ctx, check, pw)
}

// Lock locks the wallet and wipes every decrypted key.
func (m *Manager) Lock(ctx context.Context) {
	_ = m.tel.Track(ctx, "wallet.lock", fn.None[telemetry.CorrelationID](), func(*telemetry.Span) error {
		m.guard.Lock()
		return nil
	})
}

// IsLocked reports whether the wallet is locked.
func (m *Manager) IsLocked() bool {
	return m.guard.IsLocked()
}

// Session returns a snapshot of the session state.
func (m *Manager) Session() session.Info {
	return m.guard.Info()
}

// TimeUntilLock returns the idle time left before auto-lock.
func (m *Manager) TimeUntilLock() time.Duration {
	return m.guard.TimeUntilLock()
}

// Audit returns the audit log.
func (m *Manager) Audit() *audit.Logger {
	return m.audit
}

// CheckIntegrity runs the database integrity check.
func (m *Manager) CheckIntegrity() error {
	return mapStoreErr(m.store.CheckIntegrity())
}

// Close locks the wallet and closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.guard.Close()
	return m.store.Close()
}

// Run enforces the idle timeout and purges expired cache entries and tokens
// until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SessionCheckInterval
	if interval <= 0 {
		interval = session.DefaultCheckInterval
	}
	for {
		select {
		case <-m.clock.TickAfter(interval):
			m.guard.Tick()
			m.accounts.PurgeExpired()
			m.balances.PurgeExpired()
			m.purgeTokens()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) onLock(r session.Reason) {
	if key := m.takeWalletKey(); key != nil {
		key.Destroy()
	}
	m.clearTokens()
	m.balances.Clear()
	if err := m.audit.Log(audit.Entry{
		Op:      audit.OpWalletLock,
		Source:  m.cfg.Source,
		Result:  audit.ResultSuccess,
		Context: map[string]interface{}{"reason": string(r)},
	}); err != nil {
		log.WithError(err).Error("failed to write audit record")
	}
	m.audit.ClearHMACKey()
}

func (m *Manager) requireInitialized() error {
	ok, err := m.store.Initialized()
	if err != nil {
		return mapStoreErr(err)
	}
	if !ok {
		return ErrNotInitialized
	}
	return nil
}

// password returns a copy of the session password.
func (m *Manager) password() (*crypto.Secret, error) {
	var pw *crypto.Secret
	err := m.guard.WithPassword(func(p []byte) error {
		pw = crypto.CopySecret(p)
		return nil
	})
	return pw, err
}

// operation carries what an operation wants recorded.
type operation struct {
	span    *telemetry.Span
	op      string
	account string
	ctx     map[string]interface{}
}

// do runs f in a telemetry span and records the outcome in the audit log
// under the span's correlation id.
func (m *Manager) do(ctx context.Context, op string, f func(o *operation) error) error {
	o := &operation{op: op, ctx: make(map[string]interface{})}
	err := m.tel.Track(ctx, op, fn.None[telemetry.CorrelationID](), func(s *telemetry.Span) error {
		o.span = s
		return f(o)
	})

	entry := audit.Entry{
		Op:      o.op,
		Source:  m.cfg.Source,
		Result:  resultOf(err),
		Account: o.account,
		Err:     err,
		ErrCode: errorCode(err),
		Context: o.ctx,
	}
	if o.span != nil {
		entry.CorrelationID = string(o.span.ID)
	}
	if aerr := m.audit.Log(entry); aerr != nil {
		log.WithError(aerr).WithField("op", o.op).Error("failed to write audit record")
	}
	return err
}

// event attaches a sanitized event to the operation's span.
func (m *Manager) event(ctx context.Context, o *operation, msg string, fields telemetry.Fields) {
	if o.span == nil {
		return
	}
	_ = m.tel.LogEvent(ctx, o.span, logrus.InfoLevel, msg, fields)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return audit.ResultSuccess
	case errors.Is(err, session.ErrLocked),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrWrongPassword),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrCooldown):
		return audit.ResultDenied
	}
	return audit.ResultError
}

// errorCode maps err to a stable code for audit records.
func errorCode(err error) string {
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrLocked), errors.Is(err, session.ErrSessionExpired):
		return "locked"
	case errors.Is(err, session.ErrWrongPassword), errors.Is(err, keystore.ErrAuthenticationFailed):
		return "wrong_password"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrCooldown):
		return "cooldown"
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, security.ErrPasswordTooShort), errors.Is(err, security.ErrPasswordWeak),
		errors.Is(err, security.ErrPasswordEmpty):
		return "weak_password"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateAccount):
		return "duplicate"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrDeviceNotAttached), signer.KindOf(err) != nil:
		return "device"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}
