package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/forest6511/walletctl/pkg/account"
	"github.com/forest6511/walletctl/pkg/crypto"
	"github.com/forest6511/walletctl/pkg/hdkey"
	"github.com/forest6511/walletctl/pkg/signer"

	ethaccounts "github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var (
	signMessage bool
	signDevice  string

	hardwareKind     string
	hardwarePath     string
	hardwareNickname string
	hardwareTags     []string
	hardwareSimulate string
)

func init() {
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(hardwareCmd)
	hardwareCmd.AddCommand(hardwareAddCmd)

	signCmd.Flags().BoolVar(&signMessage, "message", false, "Treat the input as a text message and sign its EIP-191 hash")
	signCmd.Flags().StringVar(&signDevice, "simulate", "", "Recovery phrase file backing a simulated hardware device")

	hardwareAddCmd.Flags().StringVar(&hardwareKind, "kind", "ledger", "Device kind: ledger or trezor")
	hardwareAddCmd.Flags().StringVar(&hardwarePath, "path", "m/44'/60'/0'/0/0", "BIP-44 derivation path on the device")
	hardwareAddCmd.Flags().StringVar(&hardwareNickname, "nickname", "", "Account nickname")
	hardwareAddCmd.Flags().StringSliceVar(&hardwareTags, "tag", nil, "Account tag (can be repeated)")
	hardwareAddCmd.Flags().StringVar(&hardwareSimulate, "simulate", "", "Recovery phrase file backing a simulated device")
	_ = hardwareAddCmd.MarkFlagRequired("simulate")
}

// signCmd signs a digest or message
var signCmd = &cobra.Command{
	Use:   "sign <account> <0xhash|message>",
	Short: "Sign a 32-byte hash or a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var hash [32]byte
		if signMessage {
			copy(hash[:], ethaccounts.TextHash([]byte(args[1])))
		} else {
			b, err := hexutil.Decode(args[1])
			if err != nil || len(b) != len(hash) {
				return fmt.Errorf("hash must be 32 bytes of 0x-prefixed hex")
			}
			copy(hash[:], b)
		}

		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		a, err := selectAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if a.Type == account.TypeHardware {
			if signDevice == "" {
				return fmt.Errorf("account %s needs its device: pass --simulate", a.Address.Hex())
			}
			dev, err := simulatedDevice(a.Device, signDevice)
			if err != nil {
				return err
			}
			defer dev.Close()
			if _, err := mgr.AttachDevice(cmd.Context(), dev); err != nil {
				return fmt.Errorf("failed to attach device: %w", err)
			}
		}

		sig, err := mgr.SignHash(cmd.Context(), a.ID, hash)
		if err != nil {
			return fmt.Errorf("signing failed: %w", err)
		}
		fmt.Println(hexutil.Encode(sig))
		return nil
	},
}

// hardwareCmd is the parent command for hardware signer operations
var hardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Hardware signer operations",
	Long: `Hardware signer operations.

Device drivers are not built in. --simulate backs the device with a
recovery phrase file for testing.`,
}

// hardwareAddCmd registers a hardware account
var hardwareAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register the account at a device derivation path",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := signer.ParseKind(hardwareKind)
		if err != nil || kind == signer.KindSoftware {
			return fmt.Errorf("invalid --kind %q (use ledger or trezor)", hardwareKind)
		}
		path, err := hdkey.ParsePath(hardwarePath)
		if err != nil {
			return fmt.Errorf("invalid --path: %w", err)
		}

		if err := ensureUnlocked(cmd.Context(), false); err != nil {
			return err
		}
		dev, err := simulatedDevice(kind.String()+"-simulator", hardwareSimulate)
		if err != nil {
			return err
		}
		defer dev.Close()

		a, err := addHardware(cmd.Context(), kind, dev, path)
		if err != nil {
			return err
		}
		fmt.Printf("Hardware account added: %s (%s on %s)\n", a.Address.Hex(), a.DerivationPath, a.Device)
		return nil
	},
}

func addHardware(ctx context.Context, kind signer.Kind, dev signer.Device, path ethaccounts.DerivationPath) (*account.Account, error) {
	h, err := signer.Connect(ctx, kind, dev, path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect device: %w", err)
	}
	a, err := mgr.AddHardwareAccount(ctx, h, account.HardwareOptions{
		Nickname: hardwareNickname,
		Tags:     hardwareTags,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add hardware account: %w", err)
	}
	return a, nil
}

// simulatedDevice reads a recovery phrase from path and returns a device
// named name that derives from it.
func simulatedDevice(name, path string) (*signer.SimulatedDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device phrase: %w", err)
	}
	defer crypto.SecureWipe(data)

	seed, err := hdkey.Seed(strings.TrimSpace(string(data)), "")
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(seed)
	return signer.NewSimulatedDevice(name, seed), nil
}
