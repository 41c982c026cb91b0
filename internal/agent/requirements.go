package agent

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/events"
)

// BalanceSource is the slice of the chain client the monitor reads.
type BalanceSource interface {
	NativeBalance(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token common.Address) (*big.Int, error)
	Node(ctx context.Context) (chain.NodeRecord, error)
}

// RequirementsConfig sets the operating minima. Zero fields take defaults:
// 0.015 native coin for gas, 1000 FAB held, 1000 FAB staked.
type RequirementsConfig struct {
	MinNative *big.Int
	MinFab    *big.Int
	MinStaked *big.Int
	FabToken  common.Address
	Interval  time.Duration // sampling cadence, default 30s
	CacheTTL  time.Duration // balance cache, default 30s
}

func (c RequirementsConfig) withDefaults() RequirementsConfig {
	ether := big.NewInt(1e18)
	if c.MinNative == nil {
		// 0.015 native coin.
		c.MinNative = new(big.Int).Div(new(big.Int).Mul(ether, big.NewInt(15)), big.NewInt(1000))
	}
	if c.MinFab == nil {
		c.MinFab = new(big.Int).Mul(ether, big.NewInt(1000))
	}
	if c.MinStaked == nil {
		c.MinStaked = new(big.Int).Mul(ether, big.NewInt(1000))
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	return c
}

// Balances is one cached sample.
type Balances struct {
	Native    *big.Int  `json:"-"`
	Fab       *big.Int  `json:"-"`
	Staked    *big.Int  `json:"-"`
	SampledAt time.Time `json:"sampled_at"`
}

// RequirementsMonitor samples balances and stake in the background, caching
// results and emitting events only when the met/unmet boundary is crossed.
type RequirementsMonitor struct {
	cfg    RequirementsConfig
	source BalanceSource
	bus    *events.Bus
	log    zerolog.Logger

	mu      sync.Mutex
	cache   Balances
	met     bool
	metInit bool
	reasons []string
}

// NewRequirementsMonitor builds an idle monitor; call Run to start sampling.
func NewRequirementsMonitor(cfg RequirementsConfig, source BalanceSource, bus *events.Bus, logger zerolog.Logger) *RequirementsMonitor {
	return &RequirementsMonitor{cfg: cfg.withDefaults(), source: source, bus: bus, log: logger}
}

// Run samples until ctx is cancelled.
func (m *RequirementsMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// Snapshot returns the cached balances, refreshing when the cache expired.
func (m *RequirementsMonitor) Snapshot(ctx context.Context) (Balances, error) {
	m.mu.Lock()
	cached := m.cache
	fresh := time.Since(cached.SampledAt) < m.cfg.CacheTTL
	m.mu.Unlock()
	if fresh {
		return cached, nil
	}
	return m.sample(ctx)
}

// Status reports whether requirements are met and why not.
func (m *RequirementsMonitor) Status() (met bool, reasons []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.met, append([]string(nil), m.reasons...)
}

func (m *RequirementsMonitor) sample(ctx context.Context) (Balances, error) {
	native, err := m.source.NativeBalance(ctx)
	if err != nil {
		return Balances{}, fmt.Errorf("agent: native balance: %w", err)
	}
	fab, err := m.source.TokenBalance(ctx, m.cfg.FabToken)
	if err != nil {
		return Balances{}, fmt.Errorf("agent: fab balance: %w", err)
	}
	staked := new(big.Int)
	if node, err := m.source.Node(ctx); err == nil && node.Stake != nil {
		staked = node.Stake
	}

	bal := Balances{Native: native, Fab: fab, Staked: staked, SampledAt: time.Now().UTC()}

	var reasons []string
	if native.Cmp(m.cfg.MinNative) < 0 {
		reasons = append(reasons, "insufficient native coin for gas")
	}
	if fab.Cmp(m.cfg.MinFab) < 0 {
		reasons = append(reasons, "insufficient fabric token balance")
	}
	if staked.Cmp(m.cfg.MinStaked) < 0 {
		reasons = append(reasons, "insufficient staked fabric tokens")
	}
	met := len(reasons) == 0

	m.mu.Lock()
	changed := !m.metInit || met != m.met
	m.cache = bal
	m.met = met
	m.metInit = true
	m.reasons = reasons
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(EventBalanceChanged, "agent", BalanceChanged{
			Native: native.String(), Fab: fab.String(), Staked: staked.String(),
		})
		if changed {
			m.log.Info().Bool("met", met).Strs("reasons", reasons).Msg("operating requirements changed")
			m.bus.Emit(EventRequirementsChanged, "agent", RequirementsChanged{Met: met, Reasons: reasons})
		}
	}
	return bal, nil
}
