package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/host-agent/pkg/bignum"
)

func validConfig() *OperatorConfig {
	cfg := &OperatorConfig{
		Version:       CurrentVersion,
		WalletAddress: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		Network:       "base-sepolia",
		ChainID:       84532,
		RPCEndpoints:  []string{"https://sepolia.base.org"},
		InferencePort: 8083,
		PublicURL:     "https://node.example.com:8083",
		Models:        []string{"TheBloke/Llama-2-7B-GGUF:llama-2-7b.Q4_K_M.gguf"},
		Pricing:       make(Pricing),
	}
	cfg.Contracts = ContractAddresses{
		JobMarketplace: "0x1111111111111111111111111111111111111111",
		NodeRegistry:   "0x2222222222222222222222222222222222222222",
		ProofSystem:    "0x3333333333333333333333333333333333333333",
		HostEarnings:   "0x4444444444444444444444444444444444444444",
		FabToken:       "0x5555555555555555555555555555555555555555",
		StableToken:    "0x6666666666666666666666666666666666666666",
	}
	cfg.Pricing.Set(cfg.Models[0], ZeroAddress, bignum.New(DefaultNativeMinPrice))
	return cfg
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := validConfig()
	require.NoError(t, store.Save(cfg))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, cfg.WalletAddress, loaded.WalletAddress)
	assert.Equal(t, cfg.Models, loaded.Models)

	price, ok := loaded.Pricing.Get(cfg.Models[0], "")
	require.True(t, ok)
	assert.Equal(t, int64(DefaultNativeMinPrice), price.Int64())

	// Save(Load(Save(c))) is byte-stable.
	require.NoError(t, store.Save(loaded))
	first, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	second, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
}

func TestSaveCreatesBackup(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := validConfig()
	require.NoError(t, store.Save(cfg))
	assert.Empty(t, store.Backups()) // first save had nothing to back up

	cfg.InferencePort = 9000
	require.NoError(t, store.Save(cfg))
	require.Len(t, store.Backups(), 1)

	// Same-day second backup gets a numeric suffix.
	cfg.InferencePort = 9001
	require.NoError(t, store.Save(cfg))
	assert.Len(t, store.Backups(), 2)
}

func TestValidationRejectsBadConfig(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	bad := validConfig()
	bad.Contracts.ProofSystem = "0x0000000000000000000000000000000000000000"
	assert.Error(t, store.Save(bad))

	bad = validConfig()
	bad.InferencePort = 70000
	assert.Error(t, store.Save(bad))

	bad = validConfig()
	bad.PublicURL = "ftp://node.example.com"
	assert.Error(t, store.Save(bad))

	bad = validConfig()
	bad.Models = nil
	assert.Error(t, store.Save(bad))

	bad = validConfig()
	bad.Pricing.Set("m", "", bignum.New(0))
	assert.Error(t, store.Save(bad))
}

func TestUpdateSerializesConcurrentMutations(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(validConfig()))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.Update(func(c *OperatorConfig) error {
				c.Models = append(c.Models, fmt.Sprintf("org/model-%d:weights.gguf", n))
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load()
	require.NoError(t, err)
	// One base model plus every writer's append; no mutation lost.
	assert.Len(t, loaded.Models, 1+writers)
}

func TestMigrate090(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	legacy := validConfig()
	legacy.Version = "0.9.0"
	legacy.Network = "base-sepolia-testnet"
	legacy.Pricing = nil
	legacy.StakeAmount = nil
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o600))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, loaded.Version)
	assert.Equal(t, "base-sepolia", loaded.Network)

	price, ok := loaded.Pricing.Get(legacy.Models[0], ZeroAddress)
	require.True(t, ok)
	assert.Equal(t, int64(DefaultNativeMinPrice), price.Int64())
}

func TestMigrateUnknownVersion(t *testing.T) {
	cfg := validConfig()
	cfg.Version = "2.5.0"
	assert.Error(t, Migrate(cfg))
}

func TestNetworkPresets(t *testing.T) {
	p, err := Preset("base-sepolia")
	require.NoError(t, err)
	assert.Equal(t, int64(84532), p.ChainID)
	assert.NotEmpty(t, p.RPCs)
	assert.True(t, ValidAddress(p.Contracts.JobMarketplace))

	_, err = Preset("sepolia-classic")
	assert.Error(t, err)

	cfg := &OperatorConfig{}
	ApplyPreset(cfg, p)
	assert.Equal(t, p.ChainID, cfg.ChainID)
	assert.Equal(t, p.RPCs, cfg.RPCEndpoints)
	assert.Equal(t, p.Contracts.FabToken, cfg.Contracts.FabToken)
}
