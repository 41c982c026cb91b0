package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newRegisterCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL    string
		stake     string
		publicURL string
		models    []string
		prices    []string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Approve the stake and register this host on-chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			pricing := make(map[string]string, len(prices))
			for _, p := range prices {
				model, price, ok := strings.Cut(p, "=")
				if !ok {
					return withCode(exitValidation, fmt.Errorf("--price must be model=wei, got %q", p))
				}
				pricing[model] = price
			}

			client := newAPIClient(apiURL)
			var out struct {
				TxHash string `json:"tx_hash"`
			}
			err := client.do(http.MethodPost, "/api/register", map[string]interface{}{
				"public_url": publicURL,
				"models":     models,
				"stake":      stake,
				"pricing":    pricing,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered (tx %s)\n", out.TxHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().StringVar(&stake, "stake", "", "stake in whole fabric tokens (required)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "override the configured public URL")
	cmd.Flags().StringSliceVar(&models, "model", nil, "model to offer (repeatable, default from config)")
	cmd.Flags().StringSliceVar(&prices, "price", nil, "native price per model as model=wei (repeatable)")
	_ = cmd.MarkFlagRequired("stake")
	return cmd
}

func newUpdatePricingCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		model  string
		token  string
		price  string
	)
	cmd := &cobra.Command{
		Use:   "update-pricing",
		Short: "Set the minimum price for a model/token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)
			var out struct {
				TxHash string `json:"tx_hash"`
			}
			err := client.do(http.MethodPost, "/api/update-pricing", map[string]string{
				"model_id": model,
				"token":    token,
				"price":    price,
			}, &out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pricing updated (tx %s)\n", out.TxHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().StringVar(&model, "model", "", "model identifier (required)")
	cmd.Flags().StringVar(&token, "token", "", "payment token address, empty for the native coin")
	cmd.Flags().StringVar(&price, "price", "", "price in wei per million tokens (required)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newWithdrawCmd(flags *globalFlags) *cobra.Command {
	var (
		apiURL string
		tokens []string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw accumulated earnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				// All earning tokens this config knows about, native included.
				store, err := flags.openStore()
				if err != nil {
					return err
				}
				cfg, err := flags.loadConfig(store)
				if err != nil {
					return err
				}
				tokens = []string{
					"0x0000000000000000000000000000000000000000",
					cfg.Contracts.FabToken,
					cfg.Contracts.StableToken,
				}
			}
			if len(tokens) == 0 {
				return withCode(exitValidation, fmt.Errorf("specify --token or --all"))
			}

			client := newAPIClient(apiURL)
			var out struct {
				TxHash string `json:"tx_hash"`
			}
			err := client.do(http.MethodPost, "/api/withdraw", map[string]interface{}{
				"tokens": tokens,
			}, &out)
			if err != nil {
				return err
			}
			if flags.jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Withdrawal submitted (tx %s)\n", out.TxHash)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", defaultAPIURL, "management API base URL")
	cmd.Flags().StringSliceVar(&tokens, "token", nil, "token address to withdraw (repeatable, zero address for native)")
	cmd.Flags().BoolVar(&all, "all", false, "withdraw every configured earning token")
	return cmd
}
