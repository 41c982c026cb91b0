package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/internal/wallet"
)

const walletPasswordEnv = "FABSTIR_WALLET_PASSWORD"

func newWalletCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the operator wallet",
	}
	cmd.AddCommand(
		newWalletGenerateCmd(flags),
		newWalletImportCmd(flags),
		newWalletAddressCmd(flags),
		newWalletBalanceCmd(flags),
		newWalletBackupCmd(flags),
		newWalletRestoreCmd(flags),
	)
	return cmd
}

// walletPassword resolves the encryption password: flag, environment, or
// prompt on stdin.
func walletPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(walletPasswordEnv); v != "" {
		return v, nil
	}
	fmt.Fprint(cmd.OutOrStdout(), "Wallet password: ")
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", withCode(exitAuth, fmt.Errorf("read password: %w", err))
	}
	return strings.TrimSpace(line), nil
}

// saveKeystore encrypts the wallet and stores it in the operator config.
func saveKeystore(flags *globalFlags, w *wallet.Wallet, password string) error {
	blob, err := wallet.Encrypt(w, password)
	if err != nil {
		return withCode(exitAuth, err)
	}
	store, err := flags.openStore()
	if err != nil {
		return err
	}
	if !store.Exists() {
		return withCode(exitValidation, fmt.Errorf("no config at %s; run `host-agent init` first", store.Path()))
	}
	return store.Update(func(c *config.OperatorConfig) error {
		c.Keystore = blob
		c.WalletAddress = w.Address.Hex()
		return nil
	})
}

func newWalletGenerateCmd(flags *globalFlags) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new operator wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := walletPassword(cmd, password)
			if err != nil {
				return err
			}
			w, err := wallet.Generate()
			if err != nil {
				return withCode(exitAuth, err)
			}
			if err := saveKeystore(flags, w, pw); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Address:  %s\n", w.Address.Hex())
			fmt.Fprintf(out, "Mnemonic: %s\n", w.Mnemonic)
			fmt.Fprintln(out, "\nWrite the mnemonic down now; it is not stored anywhere.")
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "keystore password (prompted when omitted)")
	return cmd
}

func newWalletImportCmd(flags *globalFlags) *cobra.Command {
	var (
		password   string
		privateKey string
		mnemonic   string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an existing key or mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (privateKey == "") == (mnemonic == "") {
				return withCode(exitValidation, fmt.Errorf("provide exactly one of --private-key or --mnemonic"))
			}
			var w *wallet.Wallet
			var err error
			if privateKey != "" {
				w, err = wallet.ImportPrivateKey(privateKey)
			} else {
				w, err = wallet.ImportMnemonic(mnemonic)
			}
			if err != nil {
				return withCode(exitAuth, err)
			}
			pw, err := walletPassword(cmd, password)
			if err != nil {
				return err
			}
			if err := saveKeystore(flags, w, pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", w.Address.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "keystore password (prompted when omitted)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "raw hex private key")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "BIP-39 phrase")
	return cmd
}

func newWalletAddressCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the configured operator address",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := flags.openStore()
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig(store)
			if err != nil {
				return err
			}
			if cfg.WalletAddress == "" {
				return withCode(exitAuth, fmt.Errorf("no wallet configured"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.WalletAddress)
			return nil
		},
	}
}

func newWalletBalanceCmd(flags *globalFlags) *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show on-chain balances for the operator wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			balances := map[string]string{}
			if err := client.do(http.MethodGet, "/api/balance", nil, &balances); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.jsonOut {
				return json.NewEncoder(out).Encode(balances)
			}
			fmt.Fprintf(out, "Native:  %s wei\n", balances["native"])
			fmt.Fprintf(out, "FAB:     %s\n", balances["fab"])
			fmt.Fprintf(out, "Staked:  %s\n", balances["staked"])
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	return cmd
}

func newWalletBackupCmd(flags *globalFlags) *cobra.Command {
	var (
		password string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write an encrypted, integrity-checked wallet backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := flags.openStore()
			if err != nil {
				return err
			}
			cfg, err := flags.loadConfig(store)
			if err != nil {
				return err
			}
			if cfg.Keystore == "" {
				return withCode(exitAuth, fmt.Errorf("no keystore in config"))
			}
			pw, err := walletPassword(cmd, password)
			if err != nil {
				return err
			}
			w, err := wallet.Decrypt(cfg.Keystore, pw)
			if err != nil {
				return withCode(exitAuth, err)
			}
			backup, err := wallet.CreateBackup(w, pw)
			if err != nil {
				return withCode(exitAuth, err)
			}
			payload, err := json.MarshalIndent(backup, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, payload, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "keystore password (prompted when omitted)")
	cmd.Flags().StringVar(&output, "output", "wallet-backup.json", "backup file path")
	return cmd
}

func newWalletRestoreCmd(flags *globalFlags) *cobra.Command {
	var (
		password string
		input    string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the wallet from a backup file",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(input)
			if err != nil {
				return withCode(exitValidation, err)
			}
			var backup wallet.Backup
			if err := json.Unmarshal(payload, &backup); err != nil {
				return withCode(exitValidation, fmt.Errorf("parse backup: %w", err))
			}
			pw, err := walletPassword(cmd, password)
			if err != nil {
				return err
			}
			w, err := wallet.RestoreFromBackup(&backup, pw)
			if err != nil {
				return withCode(exitAuth, err)
			}
			if err := saveKeystore(flags, w, pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", w.Address.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "backup password (prompted when omitted)")
	cmd.Flags().StringVar(&input, "input", "wallet-backup.json", "backup file path")
	return cmd
}
