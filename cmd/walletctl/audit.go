package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forest6511/walletctl/internal/cli"
	"github.com/forest6511/walletctl/pkg/audit"

	"github.com/spf13/cobra"
)

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Filtering by account needs the HMAC key, which needs an unlock.
		if auditAccount != "" {
			if err := ensureUnlocked(cmd.Context(), false); err != nil {
				return err
			}
		} else if err := openManager(cmd.Context(), false); err != nil {
			return err
		}

		f := audit.Filter{Limit: auditLimit, Operation: auditOperation}
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			f.Since = time.Now().Add(-duration)
		}
		if auditAccount != "" {
			accounts, err := mgr.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			a, err := cli.SelectAccount(auditAccount, accounts)
			if err != nil {
				return err
			}
			if f.Account, err = mgr.Audit().AccountID(a.Address.Hex()); err != nil {
				return err
			}
		}

		events, err := mgr.Audit().ListEvents(f)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		for _, event := range events {
			// Format: TIMESTAMP OPERATION RESULT [ACCOUNT] [ERROR]
			line := fmt.Sprintf("%s %s %s", event.Timestamp, event.Operation, event.Result)
			if event.Account != "" {
				acct := event.Account
				if len(acct) > 16 {
					acct = acct[:16] + "..."
				}
				line += fmt.Sprintf(" acct:%s", acct)
			}
			if event.Error != nil {
				line += fmt.Sprintf(" error:%s", event.Error.Code)
			}
			fmt.Println(line)
		}

		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	},
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}

		fmt.Println("Verifying audit log integrity...")

		result, err := mgr.Audit().Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if !result.Valid {
			fmt.Printf("✗ Audit log verification FAILED\n")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}
		fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)

		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))
		return nil
	},
}

// auditExportCmd exports audit logs
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit logs to JSON or CSV format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditExportFormat != "json" && auditExportFormat != "csv" {
			return fmt.Errorf("invalid format: %s (use 'json' or 'csv')", auditExportFormat)
		}
		if err := openManager(cmd.Context(), false); err != nil {
			return err
		}

		var f audit.Filter
		if auditExportSince != "" {
			duration, err := parseDuration(auditExportSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			f.Since = time.Now().Add(-duration)
		}
		if auditExportUntil != "" {
			var err error
			f.Until, err = time.Parse(time.RFC3339, auditExportUntil)
			if err != nil {
				return fmt.Errorf("invalid until format (use RFC 3339): %w", err)
			}
		}

		data, err := mgr.Audit().Export(auditExportFormat, f)
		if err != nil {
			return fmt.Errorf("failed to export audit logs: %w", err)
		}

		if auditExportOutput == "" {
			_, err := os.Stdout.Write(data)
			return err
		}
		absPath, err := filepath.Abs(auditExportOutput)
		if err != nil {
			return fmt.Errorf("invalid output path: %w", err)
		}
		if err := os.WriteFile(absPath, data, 0600); err != nil {
			return fmt.Errorf("failed to write output file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Warning: Exported audit logs contain account identifiers and operation metadata.\n")
		fmt.Fprintf(os.Stderr, "Audit logs exported to %s\n", absPath)
		return nil
	},
}

// auditPruneCmd deletes old audit logs
var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old audit log entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if auditPruneOlderThan == "" {
			return fmt.Errorf("--older-than flag is required")
		}
		duration, err := parseDuration(auditPruneOlderThan)
		if err != nil {
			return fmt.Errorf("invalid older-than format: %w", err)
		}

		// Unlocking loads the chain state that pruning re-anchors.
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}

		count, err := mgr.Audit().PrunePreview(duration)
		if err != nil {
			return fmt.Errorf("failed to preview prune: %w", err)
		}
		if auditPruneDryRun {
			fmt.Printf("Would delete %d audit log entries older than %s\n", count, auditPruneOlderThan)
			return nil
		}
		if count == 0 {
			fmt.Println("No audit log entries to delete")
			return nil
		}

		if !auditPruneForce {
			fmt.Printf("This will delete %d audit log entries older than %s.\n", count, auditPruneOlderThan)
			if !confirm("Are you sure?") {
				fmt.Println("Aborted")
				return nil
			}
		}

		deleted, err := mgr.Audit().Prune(duration)
		if err != nil {
			return fmt.Errorf("failed to prune audit logs: %w", err)
		}
		fmt.Printf("Deleted %d audit log entries\n", deleted)
		return nil
	},
}
