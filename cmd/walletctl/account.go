package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/forest6511/walletctl/internal/cli"
	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/importer"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	accountNickname string
	accountTags     []string
	accountWords    int
	accountPath     string

	importCount      int
	importPassphrase bool

	listTag string
)

func init() {
	rootCmd.AddCommand(accountCmd)

	accountCmd.AddCommand(accountCreateCmd)
	accountCmd.AddCommand(accountImportCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountRenameCmd)
	accountCmd.AddCommand(accountTagCmd)
	accountCmd.AddCommand(accountSelectCmd)
	accountCmd.AddCommand(accountRemoveCmd)
	accountCmd.AddCommand(accountExportKeyCmd)
	accountCmd.AddCommand(accountExportSeedCmd)

	for _, c := range []*cobra.Command{accountCreateCmd, accountImportCmd} {
		c.Flags().StringVar(&accountNickname, "nickname", "", "Account nickname")
		c.Flags().StringSliceVar(&accountTags, "tag", nil, "Account tag (can be repeated)")
		c.Flags().StringVar(&accountPath, "path", importer.DefaultPath, "BIP-44 derivation path")
	}
	accountCreateCmd.Flags().IntVar(&accountWords, "words", 12, "Recovery phrase length: 12, 15, 18, 21 or 24")
	accountImportCmd.Flags().IntVar(&importCount, "count", 1, "Consecutive accounts to derive from a seed phrase")
	accountImportCmd.Flags().BoolVar(&importPassphrase, "passphrase", false, "Prompt for a BIP-39 passphrase")

	accountListCmd.Flags().StringVar(&listTag, "tag", "", "Only list accounts with a tag matching this pattern")
}

// accountCmd is the parent command for account operations
var accountCmd = &cobra.Command{
	Use:     "account",
	Aliases: []string{"accounts"},
	Short:   "Account operations",
	Long: `Account operations.

Commands that take an <account> accept an account ID, a 0x address,
a nickname pattern (e.g. "trading*") or tag:<pattern>.`,
}

// accountCreateCmd creates a new seed account
var accountCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account from a new recovery phrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !hdkey.ValidWordCount(accountWords) {
			return fmt.Errorf("invalid --words %d (use 12, 15, 18, 21 or 24)", accountWords)
		}
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}

		created, err := mgr.CreateAccount(cmd.Context(), account.CreateOptions{
			Nickname:       accountNickname,
			Tags:           accountTags,
			Strength:       hdkey.Strength(accountWords * 32 / 3),
			DerivationPath: accountPath,
		})
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		defer created.Mnemonic.Destroy()

		fmt.Printf("Account created: %s\n", created.Account.Address.Hex())
		fmt.Println()
		fmt.Fprintln(os.Stderr, "Write down this recovery phrase and keep it offline.")
		fmt.Fprintln(os.Stderr, "Anyone with these words controls the account.")
		fmt.Println()
		return created.Mnemonic.Use(writeLine)
	},
}

// accountImportCmd imports a seed phrase, private key or keystore file
var accountImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a seed phrase, private key or keystore file",
	Long: `Import a seed phrase, a hex private key or a V3 keystore file.

The input is read from [file], or from a hidden prompt when omitted.
Use "-" to read from standard input.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readImportInput(args)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(data)

		opts := account.ImportOptions{
			Nickname: accountNickname,
			Tags:     accountTags,
			Options: importer.Options{
				DerivationPath: accountPath,
				Count:          importCount,
			},
		}

		switch importer.Detect(data).Format {
		case importer.FormatKeystore:
			pw, err := readPassword("Enter keystore password: ")
			if err != nil {
				return err
			}
			defer crypto.SecureWipe(pw)
			opts.KeystorePassword = pw
		case importer.FormatSeedPhrase:
			if importPassphrase {
				pp, err := readPassword("Enter BIP-39 passphrase: ")
				if err != nil {
					return err
				}
				opts.Passphrase = string(pp)
				crypto.SecureWipe(pp)
			}
		}

		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		res, err := mgr.ImportAccount(cmd.Context(), data, opts)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
		for _, a := range res.Accounts {
			fmt.Printf("Imported %s %s\n", a.Address.Hex(), a.Nickname)
		}
		return nil
	},
}

func readImportInput(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return data, nil
	}
	if len(args) == 0 && term.IsTerminal(int(os.Stdin.Fd())) {
		return readPassword("Enter seed phrase or private key: ")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read standard input: %w", err)
	}
	return data, nil
}

// accountListCmd lists accounts
var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openManager(cmd.Context(), false); err != nil {
			return err
		}
		accounts, err := mgr.ListAccounts(cmd.Context())
		if err != nil {
			return err
		}
		if listTag != "" && len(accounts) > 0 {
			if accounts, err = cli.SelectAccounts([]string{"tag:" + listTag}, accounts); err != nil {
				return err
			}
		}
		if len(accounts) == 0 {
			fmt.Println("No accounts found")
			return nil
		}

		current := ""
		if cur, err := mgr.CurrentAccount(cmd.Context()); err == nil {
			current = cur.ID
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\tADDRESS\tNICKNAME\tTYPE\tSIGNER\tTAGS")
		for _, a := range accounts {
			marker := ""
			if a.ID == current {
				marker = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", marker, a.Address.Hex(), a.Nickname,
				a.Type, a.Signer, strings.Join(a.Tags, ","))
		}
		return w.Flush()
	},
}

// accountShowCmd prints one account
var accountShowCmd = &cobra.Command{
	Use:   "show <account>",
	Short: "Show account details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openManager(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:       %s\n", a.ID)
		fmt.Printf("Address:  %s\n", a.Address.Hex())
		fmt.Printf("Nickname: %s\n", a.Nickname)
		fmt.Printf("Type:     %s\n", a.Type)
		fmt.Printf("Signer:   %s\n", a.Signer)
		if a.DerivationPath != "" {
			fmt.Printf("Path:     %s\n", a.DerivationPath)
		}
		if a.Device != "" {
			fmt.Printf("Device:   %s\n", a.Device)
		}
		if len(a.Tags) > 0 {
			fmt.Printf("Tags:     %s\n", strings.Join(a.Tags, ", "))
		}
		fmt.Printf("Created:  %s\n", a.CreatedAt.Format("2006-01-02 15:04:05"))
		if !a.LastUsed.IsZero() {
			fmt.Printf("Last used: %s\n", a.LastUsed.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// accountRenameCmd changes an account nickname
var accountRenameCmd = &cobra.Command{
	Use:   "rename <account> <nickname>",
	Short: "Rename an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if _, err := mgr.Rename(cmd.Context(), a.ID, args[1]); err != nil {
			return fmt.Errorf("failed to rename account: %w", err)
		}
		fmt.Printf("Account %s renamed to '%s'\n", a.Address.Hex(), args[1])
		return nil
	},
}

// accountTagCmd replaces an account's tags
var accountTagCmd = &cobra.Command{
	Use:   "tag <account> [tags...]",
	Short: "Replace an account's tags (no tags clears them)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		updated, err := mgr.SetTags(cmd.Context(), a.ID, args[1:])
		if err != nil {
			return fmt.Errorf("failed to set tags: %w", err)
		}
		fmt.Printf("Account %s tags: %s\n", updated.Address.Hex(), strings.Join(updated.Tags, ", "))
		return nil
	},
}

// accountSelectCmd sets the current account
var accountSelectCmd = &cobra.Command{
	Use:   "select <account>",
	Short: "Set the current account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := mgr.SetCurrentAccount(cmd.Context(), a.ID); err != nil {
			return err
		}
		fmt.Printf("Current account: %s\n", a.Address.Hex())
		return nil
	},
}

// accountRemoveCmd deletes an account
var accountRemoveCmd = &cobra.Command{
	Use:   "remove <account>",
	Short: "Remove an account and its encrypted key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !confirm(fmt.Sprintf("Remove account %s? Without a backup its key is gone.", a.Address.Hex())) {
			fmt.Println("Aborted")
			return nil
		}
		token, err := authorize(cmd.Context(), account.AuthRemove)
		if err != nil {
			return err
		}
		if err := mgr.RemoveAccount(cmd.Context(), a.ID, token); err != nil {
			return fmt.Errorf("failed to remove account: %w", err)
		}
		fmt.Printf("Account %s removed\n", a.Address.Hex())
		return nil
	},
}

// accountExportKeyCmd prints an account's private key
var accountExportKeyCmd = &cobra.Command{
	Use:   "export-key <account>",
	Short: "Print an account's private key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportSecret(cmd.Context(), args[0], account.AuthExportKey)
	},
}

// accountExportSeedCmd prints an account's recovery phrase
var accountExportSeedCmd = &cobra.Command{
	Use:   "export-seed <account>",
	Short: "Print an account's recovery phrase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportSecret(cmd.Context(), args[0], account.AuthExportSeed)
	},
}

func exportSecret(ctx context.Context, selector string, op account.Operation) error {
	if err := ensureUnlocked(ctx, false); err != nil {
		return err
	}
	a, err := selectAccount(ctx, selector)
	if err != nil {
		return err
	}
	token, err := authorize(ctx, op)
	if err != nil {
		return err
	}

	var secret *crypto.Secret
	if op == account.AuthExportSeed {
		secret, err = mgr.ExportSeed(ctx, a.ID, token)
	} else {
		secret, err = mgr.ExportPrivateKey(ctx, a.ID, token)
	}
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	defer secret.Destroy()

	fmt.Fprintln(os.Stderr, "Warning: anyone who sees this value controls the account.")
	return secret.Use(func(b []byte) error {
		if op == account.AuthExportKey {
			_, err := fmt.Println(hexutil.Encode(b))
			return err
		}
		return writeLine(b)
	})
}

// writeLine writes b and a newline to stdout without copying b.
func writeLine(b []byte) error {
	if _, err := os.Stdout.Write(b); err != nil {
		return err
	}
	_, err := fmt.Println()
	return err
}

// selectAccount resolves a selector to exactly one account.
func selectAccount(ctx context.Context, selector string) (*account.Account, error) {
	accounts, err := mgr.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return cli.SelectAccount(selector, accounts)
}
