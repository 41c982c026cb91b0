package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names consumed by the agent. CONTRACT_* and RPC_URL*
// take precedence over both the stored config and the network presets.
const (
	EnvChainID        = "CHAIN_ID"
	EnvHostPrivateKey = "HOST_PRIVATE_KEY"
	EnvRPCURL         = "RPC_URL"
	EnvConfigDir      = "FABSTIR_CONFIG_DIR"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvAPIKey         = "FABSTIR_API_KEY"

	envContractPrefix = "CONTRACT_"
)

// LoadEnv loads a .env file if present, then applies environment overrides
// to cfg. Missing variables leave cfg untouched.
func LoadEnv(cfg *OperatorConfig) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	if v := os.Getenv(EnvChainID); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChainID = id
		}
	}

	// RPC_URL, then network-suffixed variants like RPC_URL_BASE_SEPOLIA.
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.RPCEndpoints = prependUnique(cfg.RPCEndpoints, v)
	}
	suffix := strings.ToUpper(strings.ReplaceAll(cfg.Network, "-", "_"))
	if suffix != "" {
		if v := os.Getenv(EnvRPCURL + "_" + suffix); v != "" {
			cfg.RPCEndpoints = prependUnique(cfg.RPCEndpoints, v)
		}
	}

	override := func(dst *string, name string) {
		if v := os.Getenv(envContractPrefix + name); v != "" {
			*dst = v
		}
	}
	override(&cfg.Contracts.JobMarketplace, "JOB_MARKETPLACE")
	override(&cfg.Contracts.NodeRegistry, "NODE_REGISTRY")
	override(&cfg.Contracts.ProofSystem, "PROOF_SYSTEM")
	override(&cfg.Contracts.HostEarnings, "HOST_EARNINGS")
	override(&cfg.Contracts.FabToken, "FAB_TOKEN")
	override(&cfg.Contracts.StableToken, "USDC_TOKEN")

	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
}

// PrivateKeyFromEnv returns HOST_PRIVATE_KEY without leading 0x, or "".
func PrivateKeyFromEnv() string {
	return strings.TrimPrefix(os.Getenv(EnvHostPrivateKey), "0x")
}

func prependUnique(list []string, v string) []string {
	out := []string{v}
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}
