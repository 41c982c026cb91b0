// Package agent is the operator control plane: it wires the config store,
// wallet, chain client, checkpoint engine, and process supervisor into one
// lifecycle, and owns authentication, registration, pricing, withdrawal,
// and the requirements monitor.
package agent

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/config"
	"github.com/fabstir/host-agent/internal/engine"
	"github.com/fabstir/host-agent/internal/events"
	"github.com/fabstir/host-agent/internal/logging"
	"github.com/fabstir/host-agent/internal/supervisor"
	"github.com/fabstir/host-agent/internal/wallet"
	"github.com/fabstir/host-agent/pkg/bignum"
)

// PricePrecision converts human USD-per-million-token prices into on-chain
// integers for stable tokens.
const PricePrecision = 1000

// MinNativePrice is the floor for native-coin pricing, in wei per million
// tokens.
const MinNativePrice = 227273

// AuthMethod selects how Authenticate obtains key material.
type AuthMethod string

const (
	AuthPrivateKey AuthMethod = "privateKey" // payload is the hex key
	AuthEnvVar     AuthMethod = "envVar"     // payload names the variable
	AuthKeystore   AuthMethod = "keystore"   // payload is the keystore password
)

// Options wires an Agent.
type Options struct {
	Store        *config.Store
	Config       *config.OperatorConfig
	Logs         *logging.Factory
	Dialer       chain.Dialer // nil uses the production ethclient dialer
	Requirements RequirementsConfig
	Engine       engine.Config
	RedisAddr    string // optional event mirror
}

// Agent is the long-running operator process.
type Agent struct {
	store   *config.Store
	cfg     *config.OperatorConfig
	logs    *logging.Factory
	bus     *events.Bus
	client  *chain.Client
	queue   *chain.TxQueue
	failed  *chain.FailedTxLog
	history *engine.ProofHistory
	engine  *engine.Engine
	sup     *supervisor.Supervisor
	reqs    *RequirementsMonitor
	mirror  *events.RedisMirror
	log     zerolog.Logger

	mu            sync.Mutex
	wallet        *wallet.Wallet
	authenticated bool
	startedAt     time.Time
	runCtx        context.Context
	cancel        context.CancelFunc
	running       bool
}

// Initialize validates the configuration and builds an unauthenticated
// agent. Everything that needs a signing key stays locked until
// Authenticate succeeds.
func Initialize(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("agent: config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logs.Component("agent")
	bus := events.NewBus()

	endpoints, err := chain.NewEndpoints(cfg.RPCEndpoints, opts.Dialer)
	if err != nil {
		return nil, err
	}
	contracts, err := chain.NewContracts(
		common.HexToAddress(cfg.Contracts.JobMarketplace),
		common.HexToAddress(cfg.Contracts.NodeRegistry),
		common.HexToAddress(cfg.Contracts.ProofSystem),
		common.HexToAddress(cfg.Contracts.HostEarnings),
		common.HexToAddress(cfg.Contracts.FabToken),
		common.HexToAddress(cfg.Contracts.StableToken),
	)
	if err != nil {
		return nil, err
	}
	client, err := chain.NewClient(chain.ClientConfig{
		Endpoints: endpoints,
		Contracts: contracts,
		ChainID:   big.NewInt(cfg.ChainID),
		Logger:    opts.Logs.Component("chain"),
	})
	if err != nil {
		return nil, err
	}

	failed, err := chain.NewFailedTxLog(opts.Store.DataDir(), opts.Logs.Component("chain"))
	if err != nil {
		return nil, err
	}
	history, err := engine.NewProofHistory(opts.Store.DataDir(), opts.Logs.Component("engine"))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		store:   opts.Store,
		cfg:     cfg,
		logs:    opts.Logs,
		bus:     bus,
		client:  client,
		queue:   chain.NewTxQueue(client),
		failed:  failed,
		history: history,
		log:     logger,
	}

	settler := &chainSettler{client: client, queue: a.queue, failed: failed, log: logger}
	a.engine = engine.New(opts.Engine, a.checkpointProof, settler, history, bus, opts.Logs.Component("engine"))

	a.sup = supervisor.New(supervisor.Options{
		PIDFile: opts.Store.PIDPath(),
		LogsDir: opts.Store.LogsDir(),
	}, opts.Store, bus, opts.Logs.Component("supervisor"))

	reqCfg := opts.Requirements
	reqCfg.FabToken = contracts.FabToken
	a.reqs = NewRequirementsMonitor(reqCfg, client, bus, logger)

	if opts.RedisAddr != "" {
		a.mirror = events.NewRedisMirror(opts.RedisAddr, "", opts.Logs.Component("events"))
	}

	return a, nil
}

// Bus exposes the shared event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Engine exposes the session/checkpoint engine.
func (a *Agent) Engine() *engine.Engine { return a.engine }

// Supervisor exposes the process supervisor.
func (a *Agent) Supervisor() *supervisor.Supervisor { return a.sup }

// Chain exposes the shared transaction engine.
func (a *Agent) Chain() *chain.Client { return a.client }

// Queue exposes the FIFO transaction queue.
func (a *Agent) Queue() *chain.TxQueue { return a.queue }

// Config returns the active operator configuration.
func (a *Agent) Config() *config.OperatorConfig { return a.cfg }

// Uptime reports how long the agent has been running, zero before Run.
func (a *Agent) Uptime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startedAt.IsZero() {
		return 0
	}
	return time.Since(a.startedAt)
}

// Authenticated reports whether signing material is attached.
func (a *Agent) Authenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// Address returns the operator address, empty before authentication.
func (a *Agent) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.wallet == nil {
		return ""
	}
	return a.wallet.Address.Hex()
}

// Authenticate derives the operator wallet from the given source and
// unlocks the signing surface.
func (a *Agent) Authenticate(method AuthMethod, payload string) error {
	var w *wallet.Wallet
	var err error
	switch method {
	case AuthPrivateKey:
		w, err = wallet.ImportPrivateKey(payload)
	case AuthEnvVar:
		name := payload
		if name == "" {
			name = config.EnvHostPrivateKey
		}
		raw := strings.TrimPrefix(os.Getenv(name), "0x")
		if raw == "" {
			err = fmt.Errorf("agent: %s not set", name)
		} else {
			w, err = wallet.ImportPrivateKey(raw)
		}
	case AuthKeystore:
		if a.cfg.Keystore == "" {
			err = fmt.Errorf("agent: no keystore in config")
		} else {
			w, err = wallet.Decrypt(a.cfg.Keystore, payload)
		}
	default:
		err = fmt.Errorf("agent: unknown auth method %q", method)
	}
	if err != nil {
		a.bus.Emit(EventAuthChanged, "agent", AuthChanged{Authenticated: false})
		return err
	}
	if a.cfg.WalletAddress != "" && !strings.EqualFold(a.cfg.WalletAddress, w.Address.Hex()) {
		a.bus.Emit(EventAuthChanged, "agent", AuthChanged{Authenticated: false})
		return fmt.Errorf("agent: key derives %s, config expects %s", w.Address.Hex(), a.cfg.WalletAddress)
	}

	a.client.WithKey(w.PrivateKey)
	a.mu.Lock()
	a.wallet = w
	a.authenticated = true
	a.mu.Unlock()

	a.log.Info().Str("address", w.Address.Hex()).Msg("operator authenticated")
	a.bus.Emit(EventAuthChanged, "agent", AuthChanged{Authenticated: true, Address: w.Address.Hex()})
	return nil
}

// Run starts the background loops: transaction queue worker, checkpoint
// engine, proof history flusher, requirements monitor, and the optional
// Redis event mirror. It returns immediately; Shutdown stops everything.
func (a *Agent) Run(ctx context.Context) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.startedAt = time.Now().UTC()
	ctx, a.cancel = context.WithCancel(ctx)
	a.runCtx = ctx
	a.mu.Unlock()

	go a.queue.ProcessQueue(ctx)
	go a.engine.Run(ctx)
	go a.history.Run()
	go a.reqs.Run(ctx)
	if a.mirror != nil {
		go a.mirror.Run(ctx, a.bus)
	}

	// Replay transaction intents stranded by a previous run.
	go func() {
		settled, err := a.failed.RetryFailed(ctx, chain.DefaultFailedTxMaxAge, func(ctx context.Context, tx chain.Tx) error {
			_, err := a.queue.QueueAndWait(ctx, tx, chain.DefaultPolicy())
			return err
		})
		if err != nil {
			a.log.Warn().Err(err).Msg("failed transaction replay aborted")
		} else if settled > 0 {
			a.log.Info().Int("settled", settled).Msg("replayed stored transactions")
		}
	}()

	a.bus.Emit(EventConnected, "agent", Connected{
		ChainID: a.client.ChainID().Int64(), Network: a.cfg.Network,
	})
	a.log.Info().Str("network", a.cfg.Network).Msg("agent running")
}

// StartInference spawns the inference child with the configured environment
// and starts its health monitor.
func (a *Agent) StartInference(ctx context.Context, daemon bool) (*supervisor.Handle, error) {
	a.mu.Lock()
	key := ""
	if a.wallet != nil {
		key = a.wallet.PrivateKeyHex()
	}
	a.mu.Unlock()
	if key == "" {
		return nil, fmt.Errorf("agent: authenticate before starting inference")
	}

	rpcURL := ""
	if urls := a.cfg.RPCEndpoints; len(urls) > 0 {
		rpcURL = urls[0]
	}
	h, err := a.sup.Spawn(ctx, supervisor.SpawnConfig{
		APIPort:    a.cfg.InferencePort,
		ModelPath:  firstModel(a.cfg.Models),
		ChainID:    a.cfg.ChainID,
		PrivateKey: key,
		RPCURL:     rpcURL,
		Contracts: map[string]string{
			"JOB_MARKETPLACE": a.cfg.Contracts.JobMarketplace,
			"NODE_REGISTRY":   a.cfg.Contracts.NodeRegistry,
			"PROOF_SYSTEM":    a.cfg.Contracts.ProofSystem,
			"HOST_EARNINGS":   a.cfg.Contracts.HostEarnings,
			"FAB_TOKEN":       a.cfg.Contracts.FabToken,
			"USDC_TOKEN":      a.cfg.Contracts.StableToken,
		},
		PublicURL: a.cfg.PublicURL,
		Daemon:    daemon,
	})
	if err != nil {
		return nil, err
	}
	go a.sup.Monitor(a.monitorCtx(), h)
	return h, nil
}

// monitorCtx ties child monitoring to the agent's run lifetime when Run has
// been called, and to the background context otherwise.
func (a *Agent) monitorCtx() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

// StopInference stops the running child, if any.
func (a *Agent) StopInference(ctx context.Context) error {
	return a.sup.Stop(ctx, a.sup.Handle())
}

// RegisterParams describes a one-shot on-chain registration.
type RegisterParams struct {
	PublicURL string
	Models    []string
	Stake     *big.Int            // whole fabric tokens
	Pricing   map[string]*big.Int // modelId -> native wei per million tokens
}

// Register approves the stake and registers the host, each confirmed at the
// admin confirmation depth.
func (a *Agent) Register(ctx context.Context, p RegisterParams) (*chain.SendResult, error) {
	if !a.Authenticated() {
		return nil, fmt.Errorf("agent: not authenticated")
	}
	if p.PublicURL == "" {
		p.PublicURL = a.cfg.PublicURL
	}
	if len(p.Models) == 0 {
		p.Models = a.cfg.Models
	}
	if p.Stake == nil || p.Stake.Sign() <= 0 {
		return nil, fmt.Errorf("agent: stake must be positive")
	}
	contracts := a.client.Contracts()
	stakeWei := new(big.Int).Mul(p.Stake, big.NewInt(1e18))

	// ERC-20 approval first; skip when the allowance already covers it.
	allowance, err := a.client.Allowance(ctx, contracts.FabToken, contracts.NodeRegistry)
	if err != nil {
		return nil, err
	}
	if allowance.Cmp(stakeWei) < 0 {
		data, err := contracts.PackApprove(contracts.NodeRegistry, stakeWei)
		if err != nil {
			return nil, err
		}
		if _, err := a.queue.QueueAndWait(ctx, chain.Tx{
			To: contracts.FabToken, Data: data, Label: "approve_stake",
		}, chain.AdminPolicy()); err != nil {
			return nil, err
		}
	}

	models := make([][32]byte, len(p.Models))
	pricing := make([]*big.Int, len(p.Models))
	for i, m := range p.Models {
		models[i] = chain.ModelID(m)
		price := big.NewInt(MinNativePrice)
		if v, ok := p.Pricing[m]; ok && v != nil {
			price = v
		} else if v, ok := a.cfg.Pricing.Get(m, config.ZeroAddress); ok {
			price = v.Big()
		}
		pricing[i] = price
	}

	data, err := contracts.PackRegisterHost(p.PublicURL, models, stakeWei, pricing)
	if err != nil {
		return nil, err
	}
	res, err := a.queue.QueueAndWait(ctx, chain.Tx{
		To: contracts.NodeRegistry, Data: data, Label: "register_host",
	}, chain.AdminPolicy())
	if err != nil {
		return nil, err
	}

	a.log.Info().Str("tx", res.TxHash.Hex()).Str("public_url", p.PublicURL).
		Int("models", len(p.Models)).Msg("host registered")
	a.bus.Emit(EventRegistered, "agent", Registered{
		PublicURL: p.PublicURL, Models: p.Models, Stake: p.Stake.String(), TxHash: res.TxHash.Hex(),
	})
	return res, nil
}

// UpdatePricing sets the minimum price for one (model, token) pair on-chain
// and mirrors it into the durable config.
func (a *Agent) UpdatePricing(ctx context.Context, modelID, token string, price *big.Int) (*chain.SendResult, error) {
	if !a.Authenticated() {
		return nil, fmt.Errorf("agent: not authenticated")
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("agent: price must be positive")
	}
	tokenAddr := common.HexToAddress(token)
	native := token == "" || tokenAddr == (common.Address{})
	if native && price.Cmp(big.NewInt(MinNativePrice)) < 0 {
		return nil, fmt.Errorf("agent: native price below minimum %d wei", MinNativePrice)
	}

	contracts := a.client.Contracts()
	data, err := contracts.PackSetModelTokenPricing(chain.ModelID(modelID), tokenAddr, price)
	if err != nil {
		return nil, err
	}
	res, err := a.queue.QueueAndWait(ctx, chain.Tx{
		To: contracts.NodeRegistry, Data: data, Label: "set_model_token_pricing",
	}, chain.AdminPolicy())
	if err != nil {
		return nil, err
	}

	if err := a.store.Update(func(c *config.OperatorConfig) error {
		if c.Pricing == nil {
			c.Pricing = make(config.Pricing)
		}
		c.Pricing.Set(modelID, token, bignum.FromBig(price))
		return nil
	}); err != nil {
		a.log.Warn().Err(err).Msg("pricing confirmed on-chain but config update failed")
	}

	a.bus.Emit(EventPricingChanged, "agent", PricingChanged{
		ModelID: modelID, Token: token, Price: price.String(), TxHash: res.TxHash.Hex(),
	})
	return res, nil
}

// Withdraw pulls accumulated earnings. Multiple tokens are batched into one
// withdrawMultiple transaction; a single token uses withdrawAll.
func (a *Agent) Withdraw(ctx context.Context, tokens []common.Address) (*chain.SendResult, error) {
	if !a.Authenticated() {
		return nil, fmt.Errorf("agent: not authenticated")
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("agent: no tokens to withdraw")
	}
	contracts := a.client.Contracts()

	var data []byte
	var err error
	if len(tokens) == 1 {
		data, err = contracts.PackWithdrawAll(tokens[0])
	} else {
		data, err = contracts.PackWithdrawMultiple(tokens)
	}
	if err != nil {
		return nil, err
	}
	res, err := a.queue.QueueAndWait(ctx, chain.Tx{
		To: contracts.HostEarnings, Data: data, Label: "withdraw_earnings",
	}, chain.AdminPolicy())
	if err != nil {
		return nil, err
	}

	names := make([]string, len(tokens))
	for i, t := range tokens {
		names[i] = t.Hex()
	}
	a.log.Info().Str("tx", res.TxHash.Hex()).Strs("tokens", names).Msg("earnings withdrawn")
	a.bus.Emit(EventWithdrawn, "agent", Withdrawn{Tokens: names, TxHash: res.TxHash.Hex()})
	return res, nil
}

// StatusInfo is the aggregate agent snapshot served to operators.
type StatusInfo struct {
	Network       string                   `json:"network"`
	ChainID       int64                    `json:"chain_id"`
	Address       string                   `json:"address,omitempty"`
	Authenticated bool                     `json:"authenticated"`
	UptimeSec     int64                    `json:"uptime_seconds"`
	Registered    bool                     `json:"registered"`
	RegisteredURL string                   `json:"registered_url,omitempty"`
	Stake         string                   `json:"stake,omitempty"`
	Requirements  RequirementsChanged      `json:"requirements"`
	Balances      map[string]string        `json:"balances,omitempty"`
	Process       supervisor.Info          `json:"process"`
	Sessions      engine.Stats             `json:"sessions"`
	Breaker       string                   `json:"breaker"`
	Endpoints     []chain.EndpointHealth   `json:"endpoints"`
	PendingTxs    int                      `json:"pending_txs"`
}

// Info assembles the full status snapshot. On-chain lookups are best-effort:
// a failing RPC leaves those fields empty rather than failing the call.
func (a *Agent) Info(ctx context.Context) StatusInfo {
	a.mu.Lock()
	started := a.startedAt
	a.mu.Unlock()

	info := StatusInfo{
		Network:       a.cfg.Network,
		ChainID:       a.cfg.ChainID,
		Address:       a.Address(),
		Authenticated: a.Authenticated(),
		Process:       a.sup.Info(a.sup.Handle()),
		Sessions:      a.engine.Stats(),
		Breaker:       a.client.Breaker().State().String(),
		Endpoints:     a.client.Endpoints().Health(),
		PendingTxs:    a.queue.Len(),
	}
	if !started.IsZero() {
		info.UptimeSec = int64(time.Since(started).Seconds())
	}
	met, reasons := a.reqs.Status()
	info.Requirements = RequirementsChanged{Met: met, Reasons: reasons}

	if a.Authenticated() {
		if node, err := a.client.Node(ctx); err == nil {
			info.Registered = node.Registered
			info.RegisteredURL = node.PublicURL
			if node.Stake != nil {
				info.Stake = node.Stake.String()
			}
		}
		if bal, err := a.reqs.Snapshot(ctx); err == nil {
			info.Balances = map[string]string{
				"native": bal.Native.String(),
				"fab":    bal.Fab.String(),
				"staked": bal.Staked.String(),
			}
		}
	}
	return info
}

// Earnings reads the withdrawable balance for each configured token.
func (a *Agent) Earnings(ctx context.Context) (map[string]string, error) {
	if !a.Authenticated() {
		return nil, fmt.Errorf("agent: not authenticated")
	}
	contracts := a.client.Contracts()
	out := make(map[string]string)
	for name, token := range map[string]common.Address{
		"native": {},
		"fab":    contracts.FabToken,
		"stable": contracts.UsdcToken,
	} {
		bal, err := a.client.EarningsBalance(ctx, token)
		if err != nil {
			return nil, err
		}
		out[name] = bal.String()
	}
	return out, nil
}

// Shutdown stops the child, flushes durable state, cancels all background
// loops, and closes RPC connections.
func (a *Agent) Shutdown(ctx context.Context) {
	a.log.Info().Msg("agent shutting down")
	if err := a.StopInference(ctx); err != nil {
		a.log.Warn().Err(err).Msg("child stop during shutdown")
	}

	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.running = false
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	a.history.Close()
	// The mirror's Close waits for its Run loop, which only exists once the
	// agent has run.
	if a.mirror != nil && cancel != nil {
		_ = a.mirror.Close()
	}
	a.client.Endpoints().Close()
	a.log.Info().Msg("agent stopped")
}

// checkpointProof produces the proof bytes for a checkpoint. The inference
// binary owns the real proof computation; the agent commits to the session
// and index it is claiming.
func (a *Agent) checkpointProof(sessionID string, index uint64) []byte {
	return []byte(fmt.Sprintf("%s:%d", sessionID, index))
}

func firstModel(models []string) string {
	if len(models) == 0 {
		return ""
	}
	return models[0]
}
