// Package main provides the walletctl CLI application.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/forest6511/walletctl/internal/config"
	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/provider"
	"github.com/forest6511/walletctl/pkg/security"
	"github.com/forest6511/walletctl/pkg/telemetry"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// dirEnv overrides the default wallet directory.
const dirEnv = "WALLETCTL_DIR"

var (
	walletDir string
	cfg       *config.Config
	mgr       *account.Manager

	// closers run after the command, in reverse order.
	closers []func() error
)

var rootCmd = &cobra.Command{
	Use:           "walletctl",
	Short:         "walletctl manages self-custodial Ethereum accounts",
	Long:          `A local Ethereum wallet: encrypted accounts, hardware signers, backups and an audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// PersistentPreRunE resolves the wallet directory and loads its config
	// before any subcommand runs.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if walletDir == "" {
			walletDir = os.Getenv(dirEnv)
		}
		if walletDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			walletDir = filepath.Join(home, ".walletctl")
		}

		var err error
		cfg, err = config.Load(walletDir)
		if err != nil {
			return err
		}
		return cfg.ConfigureLogging(os.Stderr)
	},
}

// Audit flags
var (
	auditLimit     int
	auditSince     string
	auditOperation string
	auditAccount   string
)

// Audit export flags
var (
	auditExportFormat string
	auditExportSince  string
	auditExportUntil  string
	auditExportOutput string
)

// Audit prune flags
var (
	auditPruneOlderThan string
	auditPruneDryRun    bool
	auditPruneForce     bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&walletDir, "dir", "", "Wallet directory (default $"+dirEnv+" or ~/.walletctl)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditPruneCmd)

	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h, 7d)")
	auditListCmd.Flags().StringVar(&auditOperation, "op", "", "Only show one operation (e.g., account.sign)")
	auditListCmd.Flags().StringVar(&auditAccount, "account", "", "Only show events for this account selector")

	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "json", "Output format: json, csv")
	auditExportCmd.Flags().StringVar(&auditExportSince, "since", "", "Export events since duration (e.g., 30d)")
	auditExportCmd.Flags().StringVar(&auditExportUntil, "until", "", "Export events until date (RFC 3339)")
	auditExportCmd.Flags().StringVarP(&auditExportOutput, "output", "o", "", "Output file path (default: stdout)")

	auditPruneCmd.Flags().StringVar(&auditPruneOlderThan, "older-than", "", "Delete logs older than duration (e.g., 12m for 12 months)")
	auditPruneCmd.Flags().BoolVar(&auditPruneDryRun, "dry-run", false, "Show what would be deleted without deleting")
	auditPruneCmd.Flags().BoolVarP(&auditPruneForce, "force", "f", false, "Skip confirmation prompt")
}

// initCmd initializes a new wallet
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new wallet",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openManager(cmd.Context(), false); err != nil {
			return err
		}
		ok, err := mgr.Initialized()
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("wallet already initialized at %s", walletDir)
		}

		fmt.Println("Initializing new wallet...")

		password, err := promptNewPassword("wallet")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		fmt.Printf("Password strength: %s\n", security.Evaluate(password))

		if err := mgr.Init(cmd.Context(), password); err != nil {
			return fmt.Errorf("failed to initialize wallet: %w", err)
		}
		if err := writeDefaultConfig(); err != nil {
			return err
		}

		fmt.Printf("Wallet initialized successfully at %s\n", walletDir)
		return nil
	},
}

// statusCmd prints wallet and session state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wallet status",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openManager(cmd.Context(), false); err != nil {
			return err
		}
		ok, err := mgr.Initialized()
		if err != nil {
			return err
		}
		fmt.Printf("Wallet:      %s\n", walletDir)
		if !ok {
			fmt.Println("Initialized: no (run 'walletctl init')")
			return nil
		}
		accounts, err := mgr.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println("Initialized: yes")
		if err := mgr.CheckIntegrity(); err != nil {
			fmt.Printf("Database:    %v\n", err)
		} else {
			fmt.Println("Database:    ok")
		}
		fmt.Printf("Accounts:    %d\n", len(accounts))
		fmt.Printf("Auto-lock:   %s\n", cfg.Session.Timeout)
		if cfg.Provider.Endpoint != "" {
			fmt.Printf("Provider:    %s\n", cfg.Provider.Endpoint)
		}
		if cfg.Telemetry.Enabled {
			fmt.Printf("Telemetry:   %s\n", cfg.TelemetryPath(walletDir))
		}
		return nil
	},
}

// openManager builds the account manager for walletDir. withProvider also
// dials the configured balance provider.
func openManager(ctx context.Context, withProvider bool) error {
	ac := cfg.Account(walletDir)

	rec := telemetry.Nop()
	if cfg.Telemetry.Enabled {
		sink, err := telemetry.OpenJSONL(cfg.TelemetryPath(walletDir))
		if err != nil {
			return err
		}
		closers = append(closers, sink.Close)
		sinks := []telemetry.Sink{sink}
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			sinks = append(sinks, telemetry.NewLogrusSink())
		}
		rec, err = telemetry.NewRecorder(telemetry.Config{
			Component: "walletctl",
		}, sinks...)
		if err != nil {
			return err
		}
	}
	ac.Telemetry = rec

	if withProvider {
		if cfg.Provider.Endpoint == "" {
			return errors.New("no provider endpoint configured (set provider.endpoint in config.yaml)")
		}
		client, err := provider.Dial(ctx, cfg.Provider.Endpoint, cfg.Provider.Block)
		if err != nil {
			return err
		}
		closers = append(closers, func() error {
			client.Close()
			return nil
		})
		ac.Provider = client
	}

	m, err := account.New(ac)
	if err != nil {
		return err
	}
	mgr = m
	closers = append(closers, m.Close)
	return nil
}

func closeAll() error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	closers = nil
	return errors.Join(errs...)
}

// ensureUnlocked opens the manager and unlocks it with a prompted
// password.
func ensureUnlocked(ctx context.Context, withProvider bool) error {
	if mgr == nil {
		if err := openManager(ctx, withProvider); err != nil {
			return err
		}
	}
	if !mgr.IsLocked() {
		return nil
	}
	password, err := readPassword("Enter wallet password: ")
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)

	if err := mgr.Unlock(ctx, password); err != nil {
		return fmt.Errorf("failed to unlock wallet: %w", err)
	}
	return nil
}

// authorize asks for the wallet password again and returns a token for op.
func authorize(ctx context.Context, op account.Operation) (account.AuthToken, error) {
	password, err := readPassword("Re-enter wallet password to confirm: ")
	if err != nil {
		return "", err
	}
	defer crypto.SecureWipe(password)
	return mgr.Authorize(ctx, op, password)
}

// readPassword prompts on stderr and reads without echo. When stdin is not
// a terminal one line is read instead.
func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		return pw, nil
	}
	return readLine(stdin)
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		crypto.SecureWipe(line)
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	out := make([]byte, n)
	copy(out, line)
	crypto.SecureWipe(line)
	return out, nil
}

func promptNewPassword(what string) ([]byte, error) {
	password1, err := readPassword(fmt.Sprintf("Enter %s password: ", what))
	if err != nil {
		return nil, err
	}
	password2, err := readPassword(fmt.Sprintf("Confirm %s password: ", what))
	if err != nil {
		crypto.SecureWipe(password1)
		return nil, err
	}
	defer crypto.SecureWipe(password2)

	if err := security.ConfirmMatch(password1, password2); err != nil {
		crypto.SecureWipe(password1)
		return nil, err
	}
	return password1, nil
}

// confirm asks a yes/no question; anything but y/Y is no.
func confirm(question string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	line = strings.TrimSpace(line)
	return line == "y" || line == "Y"
}

func writeDefaultConfig() error {
	if _, err := os.Stat(filepath.Join(walletDir, config.FileName)); err == nil {
		return nil
	}
	if err := config.Write(walletDir, cfg); err != nil {
		logrus.WithError(err).Warn("could not write default config")
	}
	return nil
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return time.ParseDuration(s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}
