package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/pkg/bignum"
)

func newInitCmd(flags *globalFlags) *cobra.Command {
	var (
		network   string
		publicURL string
		port      int
		models    []string
		rpcs      []string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the operator config from a network preset",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := flags.openStore()
			if err != nil {
				return err
			}
			if store.Exists() && !force {
				return withCode(exitValidation, fmt.Errorf("config already exists at %s (use --force to overwrite)", store.Path()))
			}

			preset, err := config.Preset(network)
			if err != nil {
				return withCode(exitValidation, err)
			}

			cfg := &config.OperatorConfig{
				Version:       config.CurrentVersion,
				InferencePort: port,
				PublicURL:     publicURL,
				Models:        models,
				RPCEndpoints:  rpcs,
				Pricing:       make(config.Pricing),
			}
			config.ApplyPreset(cfg, preset)
			config.LoadEnv(cfg)
			for _, model := range models {
				cfg.Pricing.Set(model, config.ZeroAddress, bignum.New(config.DefaultNativeMinPrice))
			}
			if err := cfg.Validate(); err != nil {
				return withCode(exitValidation, err)
			}
			if err := store.Save(cfg); err != nil {
				return withCode(exitValidation, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s (network %s, chain %d)\n",
				store.Path(), cfg.Network, cfg.ChainID)
			return nil
		},
	}

	cmd.Flags().StringVar(&network, "network", "base-sepolia", "network preset name")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "publicly reachable node URL (required)")
	cmd.Flags().IntVar(&port, "port", 8080, "local inference API port")
	cmd.Flags().StringSliceVar(&models, "model", nil, "model identifier repo:filename (repeatable, required)")
	cmd.Flags().StringSliceVar(&rpcs, "rpc", nil, "RPC endpoint override (repeatable)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	_ = cmd.MarkFlagRequired("public-url")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
