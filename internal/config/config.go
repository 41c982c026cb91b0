// Package config holds the durable operator configuration: where the agent
// persists it, how it is validated, and how old versions are migrated.
package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/fabstir/host-agent/pkg/bignum"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = "1.0.0"

// ZeroAddress marks the chain's native coin in pricing keys.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ContractAddresses maps the on-chain surface the agent talks to.
type ContractAddresses struct {
	JobMarketplace string `json:"job_marketplace"`
	NodeRegistry   string `json:"node_registry"`
	ProofSystem    string `json:"proof_system"`
	HostEarnings   string `json:"host_earnings"`
	FabToken       string `json:"fab_token"`
	StableToken    string `json:"stable_token"`
}

// Each returns the contract addresses keyed by field name, for validation
// and for building the child process environment.
func (c ContractAddresses) Each() map[string]string {
	return map[string]string{
		"job_marketplace": c.JobMarketplace,
		"node_registry":   c.NodeRegistry,
		"proof_system":    c.ProofSystem,
		"host_earnings":   c.HostEarnings,
		"fab_token":       c.FabToken,
		"stable_token":    c.StableToken,
	}
}

// ProcessState tracks the last spawned inference child so a later agent
// process can reattach or detect staleness.
type ProcessState struct {
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// OperatorConfig is the single durable config blob, stored as JSON at
// $CONFIG/config.json.
type OperatorConfig struct {
	Version        string            `json:"version"`
	WalletAddress  string            `json:"wallet_address"`
	Keystore       string            `json:"keystore,omitempty"` // encrypted JSON blob, optional
	Network        string            `json:"network"`
	ChainID        int64             `json:"chain_id"`
	RPCEndpoints   []string          `json:"rpc_endpoints"`
	Contracts      ContractAddresses `json:"contracts"`
	InferencePort  int               `json:"inference_port"`
	PublicURL      string            `json:"public_url"`
	Models         []string          `json:"models"`
	Pricing        Pricing           `json:"pricing"`
	StakeAmount    *bignum.Int       `json:"stake_amount,omitempty"`
	Process        ProcessState      `json:"process,omitempty"`
	APIKey         string            `json:"api_key,omitempty"`
	AllowedOrigins []string          `json:"allowed_origins,omitempty"`
}

// Pricing maps (modelId, tokenAddress) to the minimum price per million
// tokens. The zero address stands for the native coin.
type Pricing map[string]*bignum.Int

// PriceKey builds the composite pricing key.
func PriceKey(modelID, token string) string {
	if token == "" {
		token = ZeroAddress
	}
	return modelID + "|" + strings.ToLower(token)
}

// Get looks up the price for a model/token pair.
func (p Pricing) Get(modelID, token string) (*bignum.Int, bool) {
	v, ok := p[PriceKey(modelID, token)]
	return v, ok
}

// Set stores the price for a model/token pair.
func (p Pricing) Set(modelID, token string, price *bignum.Int) {
	p[PriceKey(modelID, token)] = price
}

// ValidAddress reports whether s is a 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Validate enforces the invariants from the data model. It is called on both
// load and save so a corrupt file never propagates.
func (c *OperatorConfig) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config: missing version")
	}
	if c.WalletAddress != "" && !ValidAddress(c.WalletAddress) {
		return fmt.Errorf("config: invalid wallet address %q", c.WalletAddress)
	}
	if c.Network == "" {
		return fmt.Errorf("config: missing network")
	}
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("config: at least one RPC endpoint required")
	}
	for _, ep := range c.RPCEndpoints {
		if err := validateURL(ep, "http", "https"); err != nil {
			return fmt.Errorf("config: rpc endpoint %q: %w", ep, err)
		}
	}
	for name, addr := range c.Contracts.Each() {
		if !ValidAddress(addr) {
			return fmt.Errorf("config: contract %s: invalid address %q", name, addr)
		}
		if strings.EqualFold(addr, ZeroAddress) {
			return fmt.Errorf("config: contract %s: zero address", name)
		}
	}
	if c.InferencePort < 1 || c.InferencePort > 65535 {
		return fmt.Errorf("config: inference port %d out of range", c.InferencePort)
	}
	if err := validateURL(c.PublicURL, "http", "https", "ws", "wss"); err != nil {
		return fmt.Errorf("config: public url %q: %w", c.PublicURL, err)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model required")
	}
	for key, price := range c.Pricing {
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("config: pricing %s: price must be positive", key)
		}
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("not an absolute URL")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed", u.Scheme)
}
