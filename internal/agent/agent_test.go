package agent

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/internal/events"
	"github.com/fabstir/host-agent/internal/logging"
)

// Hardhat account #0; test-only key material.
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testConfig() *config.OperatorConfig {
	return &config.OperatorConfig{
		Version: config.CurrentVersion,
		Network: "base-sepolia",
		ChainID: 84532,
		RPCEndpoints: []string{
			"https://sepolia.base.org",
		},
		Contracts: config.ContractAddresses{
			JobMarketplace: "0x1111111111111111111111111111111111111111",
			NodeRegistry:   "0x2222222222222222222222222222222222222222",
			ProofSystem:    "0x3333333333333333333333333333333333333333",
			HostEarnings:   "0x4444444444444444444444444444444444444444",
			FabToken:       "0x5555555555555555555555555555555555555555",
			StableToken:    "0x6666666666666666666666666666666666666666",
		},
		InferencePort: 8080,
		PublicURL:     "https://node.example.com",
		Models:        []string{"org/model:weights.gguf"},
	}
}

func testAgent(t *testing.T) *Agent {
	t.Helper()
	store, err := config.NewStore(t.TempDir())
	require.NoError(t, err)
	logs, err := logging.Setup(logging.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { logs.Close() })

	a, err := Initialize(Options{
		Store:  store,
		Config: testConfig(),
		Logs:   logs,
	})
	require.NoError(t, err)
	return a
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	store, err := config.NewStore(t.TempDir())
	require.NoError(t, err)
	logs, err := logging.Setup(logging.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer logs.Close()

	cfg := testConfig()
	cfg.Contracts.NodeRegistry = "not-an-address"
	_, err = Initialize(Options{Store: store, Config: cfg, Logs: logs})
	require.Error(t, err)
}

func TestAuthenticatePrivateKey(t *testing.T) {
	a := testAgent(t)
	sub := a.Bus().Subscribe(EventAuthChanged)
	defer a.Bus().Unsubscribe(sub)

	require.False(t, a.Authenticated())
	require.NoError(t, a.Authenticate(AuthPrivateKey, testKey))

	assert.True(t, a.Authenticated())
	assert.Equal(t, testAddress, a.Address())

	select {
	case ev := <-sub:
		payload := ev.Data.(AuthChanged)
		assert.True(t, payload.Authenticated)
		assert.Equal(t, testAddress, payload.Address)
	case <-time.After(time.Second):
		t.Fatal("no auth event")
	}
}

func TestAuthenticateRejectsAddressMismatch(t *testing.T) {
	a := testAgent(t)
	a.cfg.WalletAddress = "0x0000000000000000000000000000000000000001"

	err := a.Authenticate(AuthPrivateKey, testKey)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config expects")
	assert.False(t, a.Authenticated())
}

func TestAuthenticateFromEnv(t *testing.T) {
	a := testAgent(t)
	t.Setenv("TEST_OPERATOR_KEY", "0x"+testKey)

	require.NoError(t, a.Authenticate(AuthEnvVar, "TEST_OPERATOR_KEY"))
	assert.Equal(t, testAddress, a.Address())
}

func TestAuthenticateFromEnvMissingVariable(t *testing.T) {
	a := testAgent(t)
	t.Setenv("TEST_OPERATOR_KEY", "")

	err := a.Authenticate(AuthEnvVar, "TEST_OPERATOR_KEY")
	require.Error(t, err)
	assert.False(t, a.Authenticated())
}

func TestSigningOperationsRequireAuth(t *testing.T) {
	a := testAgent(t)
	ctx := context.Background()

	_, err := a.Register(ctx, RegisterParams{Stake: big.NewInt(1000)})
	require.Error(t, err)

	_, err = a.UpdatePricing(ctx, "org/model:weights.gguf", "", big.NewInt(MinNativePrice))
	require.Error(t, err)

	_, err = a.Withdraw(ctx, []common.Address{{}})
	require.Error(t, err)

	_, err = a.StartInference(ctx, false)
	require.Error(t, err)
}

func TestUpdatePricingEnforcesNativeFloor(t *testing.T) {
	a := testAgent(t)
	require.NoError(t, a.Authenticate(AuthPrivateKey, testKey))

	_, err := a.UpdatePricing(context.Background(), "org/model:weights.gguf", "", big.NewInt(MinNativePrice-1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "below minimum")
}

func TestInfoUnauthenticated(t *testing.T) {
	a := testAgent(t)
	info := a.Info(context.Background())

	assert.Equal(t, "base-sepolia", info.Network)
	assert.Equal(t, int64(84532), info.ChainID)
	assert.False(t, info.Authenticated)
	assert.Empty(t, info.Address)
	assert.Len(t, info.Endpoints, 1)
	assert.Zero(t, info.PendingTxs)
}

// ---- requirements monitor ----

type fakeBalances struct {
	native *big.Int
	fab    *big.Int
	staked *big.Int
	calls  int
}

func (f *fakeBalances) NativeBalance(ctx context.Context) (*big.Int, error) {
	f.calls++
	return f.native, nil
}

func (f *fakeBalances) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	return f.fab, nil
}

func (f *fakeBalances) Node(ctx context.Context) (chain.NodeRecord, error) {
	return chain.NodeRecord{Registered: true, Stake: f.staked}, nil
}

func fab(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestRequirementsBoundaryCrossing(t *testing.T) {
	src := &fakeBalances{native: fab(1), fab: fab(500), staked: fab(2000)}
	bus := events.NewBus()
	m := NewRequirementsMonitor(RequirementsConfig{}, src, bus, zerolog.Nop())
	sub := bus.Subscribe(EventRequirementsChanged)
	defer bus.Unsubscribe(sub)

	ctx := context.Background()

	// First sample establishes the unmet state.
	_, err := m.sample(ctx)
	require.NoError(t, err)
	ev := <-sub
	payload := ev.Data.(RequirementsChanged)
	assert.False(t, payload.Met)
	assert.Contains(t, payload.Reasons, "insufficient fabric token balance")

	// Same state again: no boundary crossing, no event.
	_, err = m.sample(ctx)
	require.NoError(t, err)
	select {
	case <-sub:
		t.Fatal("unexpected event without a state change")
	default:
	}

	// Balance tops up: crossing to met.
	src.fab = fab(1500)
	_, err = m.sample(ctx)
	require.NoError(t, err)
	ev = <-sub
	payload = ev.Data.(RequirementsChanged)
	assert.True(t, payload.Met)
	assert.Empty(t, payload.Reasons)

	met, reasons := m.Status()
	assert.True(t, met)
	assert.Empty(t, reasons)
}

func TestRequirementsSnapshotCaching(t *testing.T) {
	src := &fakeBalances{native: fab(1), fab: fab(2000), staked: fab(2000)}
	m := NewRequirementsMonitor(RequirementsConfig{CacheTTL: time.Hour}, src, nil, zerolog.Nop())

	ctx := context.Background()
	first, err := m.Snapshot(ctx)
	require.NoError(t, err)
	second, err := m.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls, "second snapshot must hit the cache")
	assert.Equal(t, first.SampledAt, second.SampledAt)
}

func TestRequirementsAllReasons(t *testing.T) {
	src := &fakeBalances{native: big.NewInt(1), fab: big.NewInt(0), staked: big.NewInt(0)}
	m := NewRequirementsMonitor(RequirementsConfig{}, src, nil, zerolog.Nop())

	_, err := m.sample(context.Background())
	require.NoError(t, err)
	_, reasons := m.Status()
	assert.Len(t, reasons, 3)
}

// ---- settlement error classification ----

func TestIsDuplicateSettlement(t *testing.T) {
	dup := fmt.Errorf("execution reverted: session already settled")
	assert.True(t, isDuplicateSettlement(dup))

	plain := fmt.Errorf("execution reverted: invalid job state")
	assert.False(t, isDuplicateSettlement(plain))

	network := fmt.Errorf("connection refused")
	assert.False(t, isDuplicateSettlement(network))
}
