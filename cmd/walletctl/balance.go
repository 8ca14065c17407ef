package main

import (
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"

	"github.com/forest6511/walletctl/internal/cli"
	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/crypto"

	"github.com/ethereum/go-ethereum/params"
	"github.com/spf13/cobra"
)

var (
	discoverGap        int
	discoverMax        int
	discoverPassphrase bool
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().IntVar(&discoverGap, "gap", account.DefaultGapLimit, "Consecutive empty addresses that end the scan")
	discoverCmd.Flags().IntVar(&discoverMax, "max", account.DefaultDiscoveryMax, "Maximum number of indexes to scan")
	discoverCmd.Flags().BoolVar(&discoverPassphrase, "passphrase", false, "Prompt for a BIP-39 passphrase")
}

// balanceCmd queries account balances from the configured provider
var balanceCmd = &cobra.Command{
	Use:   "balance [accounts...]",
	Short: "Show account balances (all accounts when none given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := openManager(cmd.Context(), true); err != nil {
			return err
		}

		var ids []string
		if len(args) > 0 {
			accounts, err := mgr.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			picked, err := cli.SelectAccounts(args, accounts)
			if err != nil {
				return err
			}
			for _, a := range picked {
				ids = append(ids, a.ID)
			}
		}

		balances, err := mgr.Balances(cmd.Context(), ids)
		if err != nil {
			return err
		}
		if len(balances) == 0 {
			fmt.Println("No accounts found")
			return nil
		}

		failed := 0
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "ADDRESS\tETH\t")
		for _, b := range balances {
			if b.Err != nil {
				failed++
				fmt.Fprintf(w, "%s\terror\t\n", b.Address.Hex())
				fmt.Fprintf(os.Stderr, "warning: %s: %v\n", b.Address.Hex(), b.Err)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t\n", b.Address.Hex(), formatEther(b.Wei))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d balance queries failed", failed, len(balances))
		}
		return nil
	},
}

// discoverCmd scans a recovery phrase for funded addresses
var discoverCmd = &cobra.Command{
	Use:   "discover [file]",
	Short: "Find funded addresses of a seed phrase without importing it",
	Long: `Scan m/44'/60'/0'/0/i for i = 0, 1, ... and list the addresses that hold
a balance. The scan ends after --gap consecutive empty addresses.

Import the indexes you want with "account import --count".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase, err := readImportInput(args)
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(phrase)

		opts := account.DiscoveryOptions{GapLimit: discoverGap, MaxIndex: discoverMax}
		if discoverPassphrase {
			pp, err := readPassword("Enter BIP-39 passphrase: ")
			if err != nil {
				return err
			}
			opts.Passphrase = string(pp)
			crypto.SecureWipe(pp)
		}

		if err := openManager(cmd.Context(), true); err != nil {
			return err
		}
		res, err := mgr.DiscoverAccounts(cmd.Context(), phrase, opts)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		if res.Truncated {
			fmt.Fprintf(os.Stderr, "warning: stopped at index %d before reaching the gap limit\n", res.Scanned)
		}
		if len(res.Accounts) == 0 {
			fmt.Printf("No funded addresses in the first %d indexes\n", res.Scanned)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tADDRESS\tETH")
		for _, a := range res.Accounts {
			fmt.Fprintf(w, "%d\t%s\t%s\n", a.Index, a.Address.Hex(), formatEther(a.Wei))
		}
		return w.Flush()
	},
}

// formatEther renders wei as ether with up to 18 decimals.
func formatEther(wei *big.Int) string {
	f := new(big.Float).SetPrec(256).SetInt(wei)
	f.Quo(f, new(big.Float).SetPrec(256).SetInt64(params.Ether))
	return f.Text('f', 6)
}
