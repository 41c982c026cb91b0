package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/internal/logging"
)

const version = "1.0.0"

// Exit codes surfaced to scripts.
const (
	exitValidation = 1
	exitAuth       = 2
	exitNetwork    = 3
	exitUnexpected = 4
)

// codedError carries an exit code up to main.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

func exitCode(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitUnexpected
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configDir string
	logLevel  string
	jsonOut   bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "host-agent",
		Short:         "Fabstir host node operator agent",
		Long:          "host-agent supervises the inference process, tracks session checkpoints,\nand manages the operator's on-chain registration, pricing, and earnings.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "config directory (default $HOME/.fabstir)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: trace|debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flags.jsonOut, "json", false, "machine-readable output")

	root.AddCommand(
		newInitCmd(flags),
		newServeCmd(flags),
		newStartCmd(flags),
		newStopCmd(flags),
		newStatusCmd(flags),
		newInfoCmd(flags),
		newRegisterCmd(flags),
		newUpdatePricingCmd(flags),
		newWithdrawCmd(flags),
		newLogsCmd(flags),
		newWalletCmd(flags),
	)
	return root
}

// openStore builds the config store for the selected directory.
func (f *globalFlags) openStore() (*config.Store, error) {
	store, err := config.NewStore(f.configDir)
	if err != nil {
		return nil, withCode(exitValidation, err)
	}
	return store, nil
}

// loadConfig reads the durable config and applies environment overrides.
func (f *globalFlags) loadConfig(store *config.Store) (*config.OperatorConfig, error) {
	if !store.Exists() {
		return nil, withCode(exitValidation, fmt.Errorf("no config at %s; run `host-agent init` first", store.Path()))
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, withCode(exitValidation, err)
	}
	config.LoadEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, withCode(exitValidation, err)
	}
	return cfg, nil
}

// setupLogging wires the shared log factory under the store's log dir.
func (f *globalFlags) setupLogging(store *config.Store, console bool) (*logging.Factory, error) {
	logs, err := logging.Setup(logging.Options{
		Dir:     store.LogsDir(),
		Level:   f.logLevel,
		Console: console,
	})
	if err != nil {
		return nil, withCode(exitValidation, err)
	}
	return logs, nil
}
