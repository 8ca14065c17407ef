package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/backup"
	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/spf13/cobra"
)

var (
	backupOutput    string
	backupForce     bool
	backupThreshold int
	backupShares    int
	backupSharesOut string

	restoreShareFile string
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	backupCmd.AddCommand(backupRestoreCmd)

	backupCreateCmd.Flags().StringVarP(&backupOutput, "output", "o", "", "Output file path")
	backupCreateCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "Overwrite existing file")
	backupCreateCmd.Flags().IntVar(&backupThreshold, "threshold", 0, "Shares needed to restore without the password")
	backupCreateCmd.Flags().IntVar(&backupShares, "shares", 0, "Recovery shares to produce")
	backupCreateCmd.Flags().StringVar(&backupSharesOut, "shares-output", "", "Write recovery shares to this file instead of stdout")
	_ = backupCreateCmd.MarkFlagRequired("output")

	backupRestoreCmd.Flags().StringVar(&restoreShareFile, "shares", "", "Restore with recovery shares from this file (one per line) instead of the password")
}

// backupCmd is the parent command for backup operations
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Encrypted backup operations",
}

// backupCreateCmd writes an encrypted backup of every account
var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an encrypted backup of every account",
	Long: `Create an encrypted backup of every account.

Examples:
  # Backup to a file
  walletctl backup create -o wallet.backup

  # Also split the backup key into 5 shares, any 3 of which restore it
  walletctl backup create -o wallet.backup --threshold 3 --shares 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var split *backup.SplitOptions
		if backupThreshold != 0 || backupShares != 0 {
			split = &backup.SplitOptions{Threshold: backupThreshold, Total: backupShares}
		}
		if !backupForce {
			if _, err := os.Stat(backupOutput); err == nil {
				return fmt.Errorf("output file already exists: %s (use --force to overwrite)", backupOutput)
			}
		}

		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		password, err := promptNewPassword("backup")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		vault, err := mgr.CreateBackup(cmd.Context(), password, account.BackupOptions{Split: split})
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		if err := backup.WriteFile(backupOutput, vault.WithoutShares()); err != nil {
			return err
		}
		fmt.Printf("Backup created successfully: %s\n", backupOutput)

		if vault.Shares == nil {
			return nil
		}
		var lines []string
		for _, s := range vault.Shares.Shares {
			lines = append(lines, s.String())
		}
		text := strings.Join(lines, "\n") + "\n"
		if backupSharesOut != "" {
			if err := os.WriteFile(backupSharesOut, []byte(text), 0600); err != nil {
				return fmt.Errorf("failed to write shares: %w", err)
			}
			fmt.Printf("%d recovery shares written to %s\n", len(lines), backupSharesOut)
		} else {
			fmt.Fprintf(os.Stderr, "Recovery shares (any %d restore the backup). Store each one separately:\n",
				vault.Shares.Threshold)
			fmt.Print(text)
		}
		return nil
	},
}

// backupVerifyCmd checks a backup without restoring it
var backupVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a backup file can be decrypted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := backup.ReadFile(args[0])
		if err != nil {
			return err
		}
		password, err := readPassword("Enter backup password: ")
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(password)

		result := backup.Verify(vault, password)
		if !result.Valid {
			return fmt.Errorf("backup verification failed: %s", result.Error)
		}
		fmt.Printf("✓ Backup verified\n")
		fmt.Printf("  Version:  %d\n", result.Version)
		fmt.Printf("  Created:  %s\n", result.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Accounts: %d\n", result.AccountCount)
		if result.Split {
			fmt.Println("  Recovery shares: yes")
		}
		return nil
	},
}

// backupRestoreCmd replaces every account with a backup's contents
var backupRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replace all accounts with the contents of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vault, err := backup.ReadFile(args[0])
		if err != nil {
			return err
		}
		var shares []backup.Share
		if restoreShareFile != "" {
			if shares, err = readShares(restoreShareFile); err != nil {
				return err
			}
		}

		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		if !confirm("Restoring replaces every account in this wallet. Continue?") {
			fmt.Println("Aborted")
			return nil
		}
		token, err := authorize(cmd.Context(), account.AuthRestore)
		if err != nil {
			return err
		}

		var restored []*account.Account
		if shares != nil {
			restored, err = mgr.RestoreBackupWithShares(cmd.Context(), vault, shares, token)
		} else {
			password, perr := readPassword("Enter backup password: ")
			if perr != nil {
				return perr
			}
			defer crypto.SecureWipe(password)
			restored, err = mgr.RestoreBackup(cmd.Context(), vault, password, token)
		}
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d accounts\n", len(restored))
		return nil
	},
}

func readShares(path string) ([]backup.Share, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shares file: %w", err)
	}
	defer f.Close()

	var shares []backup.Share
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := backup.ParseShare(line)
		if err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shares file: %w", err)
	}
	return shares, nil
}
