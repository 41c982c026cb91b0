package config

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v2"
)

//go:embed networks.yaml
var networksYAML []byte

// NetworkPreset carries per-network defaults: chain id, default RPC
// endpoints, and the deployed contract map. Presets seed a fresh config and
// fill gaps when the environment does not override an address.
type NetworkPreset struct {
	Name      string   `yaml:"name"`
	ChainID   int64    `yaml:"chain_id"`
	RPCs      []string `yaml:"rpcs"`
	Contracts struct {
		JobMarketplace string `yaml:"job_marketplace"`
		NodeRegistry   string `yaml:"node_registry"`
		ProofSystem    string `yaml:"proof_system"`
		HostEarnings   string `yaml:"host_earnings"`
		FabToken       string `yaml:"fab_token"`
		StableToken    string `yaml:"stable_token"`
	} `yaml:"contracts"`
}

type presetFile struct {
	Networks []NetworkPreset `yaml:"networks"`
}

// Networks parses the embedded preset table.
func Networks() ([]NetworkPreset, error) {
	var f presetFile
	if err := yaml.Unmarshal(networksYAML, &f); err != nil {
		return nil, fmt.Errorf("config: parse networks.yaml: %w", err)
	}
	return f.Networks, nil
}

// Preset returns the preset for the named network.
func Preset(name string) (*NetworkPreset, error) {
	nets, err := Networks()
	if err != nil {
		return nil, err
	}
	for i := range nets {
		if nets[i].Name == name {
			return &nets[i], nil
		}
	}
	return nil, fmt.Errorf("config: unknown network %q", name)
}

// ApplyPreset fills empty config fields from the preset.
func ApplyPreset(cfg *OperatorConfig, p *NetworkPreset) {
	cfg.Network = p.Name
	cfg.ChainID = p.ChainID
	if len(cfg.RPCEndpoints) == 0 {
		cfg.RPCEndpoints = append([]string(nil), p.RPCs...)
	}
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&cfg.Contracts.JobMarketplace, p.Contracts.JobMarketplace)
	fill(&cfg.Contracts.NodeRegistry, p.Contracts.NodeRegistry)
	fill(&cfg.Contracts.ProofSystem, p.Contracts.ProofSystem)
	fill(&cfg.Contracts.HostEarnings, p.Contracts.HostEarnings)
	fill(&cfg.Contracts.FabToken, p.Contracts.FabToken)
	fill(&cfg.Contracts.StableToken, p.Contracts.StableToken)
}
