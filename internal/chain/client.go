package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// Tx is a transaction intent. Gas and nonce are filled in by Send.
type Tx struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 means estimate
	Label    string // human-readable, e.g. "submit_checkpoint"
}

// SendResult reports the outcome of a confirmed submission.
type SendResult struct {
	TxHash      common.Hash
	Confirmed   bool
	BlockNumber *big.Int
	GasUsed     uint64
	Attempts    int
}

// Fallback is invoked instead of failing when Send hits an open breaker.
type Fallback func(ctx context.Context, tx Tx, policy Policy) (*SendResult, error)

// ClientConfig wires a Client.
type ClientConfig struct {
	Endpoints  *Endpoints
	Contracts  *Contracts
	ChainID    *big.Int
	PrivateKey *ecdsa.PrivateKey // nil for a read-only client
	Breaker    *Breaker          // nil builds one with defaults
	Logger     zerolog.Logger
}

// Client is the shared transaction engine. All reads go through Call, all
// writes through Send; both apply the breaker and endpoint failover.
type Client struct {
	endpoints *Endpoints
	contracts *Contracts
	breaker   *Breaker
	chainID   *big.Int
	key       *ecdsa.PrivateKey
	from      common.Address
	log       zerolog.Logger

	fallbackMu sync.RWMutex
	fallback   Fallback

	nonceMu   sync.Mutex
	nonce     uint64
	nonceInit bool
}

// NewClient builds the operator client. PrivateKey may be nil; Send then
// fails with an auth error until a key is attached via WithKey.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoints == nil {
		return nil, wrap("client", KindValidation, fmt.Errorf("endpoints required"))
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, wrap("client", KindValidation, fmt.Errorf("chain id required"))
	}
	c := &Client{
		endpoints: cfg.Endpoints,
		contracts: cfg.Contracts,
		chainID:   cfg.ChainID,
		breaker:   cfg.Breaker,
		log:       cfg.Logger,
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(BreakerConfig{})
	}
	if cfg.PrivateKey != nil {
		c.key = cfg.PrivateKey
		c.from = ethcrypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return c, nil
}

// WithKey attaches signing material after authentication.
func (c *Client) WithKey(key *ecdsa.PrivateKey) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.key = key
	c.from = ethcrypto.PubkeyToAddress(key.PublicKey)
	c.nonceInit = false
}

// From returns the operator address, zero when unauthenticated.
func (c *Client) From() common.Address { return c.from }

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Contracts exposes the bound contract set.
func (c *Client) Contracts() *Contracts { return c.contracts }

// Breaker exposes the shared breaker for operator control.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Endpoints exposes the failover pool for health reporting.
func (c *Client) Endpoints() *Endpoints { return c.endpoints }

// SetFallback registers the breaker-open fallback for Send.
func (c *Client) SetFallback(fn Fallback) {
	c.fallbackMu.Lock()
	defer c.fallbackMu.Unlock()
	c.fallback = fn
}

// Call executes a view call against to with the given calldata, retrying
// across endpoints per the default policy.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	policy := DefaultPolicy().normalized()
	msg := ethereum.CallMsg{From: c.from, To: &to, Data: data}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		done, err := c.breaker.Allow()
		if err != nil {
			return nil, wrap("call", KindCircuitOpen, err)
		}
		rpc, url, err := c.endpoints.Current(ctx)
		if err != nil {
			done(false)
			return nil, err
		}
		out, err := rpc.CallContract(ctx, msg, nil)
		if err == nil {
			done(true)
			c.endpoints.ReportSuccess(url)
			return out, nil
		}
		done(false)
		c.endpoints.ReportFailure(url)
		lastErr = err
		if !policy.Retriable(err) || attempt == policy.MaxAttempts {
			break
		}
		if serr := sleep(ctx, policy.Delay(attempt)); serr != nil {
			return nil, wrap("call", KindTimeout, serr)
		}
	}
	return nil, wrap("call", KindUnknown, lastErr)
}

// Send signs, submits, and confirms a transaction under policy. It is the
// only side-effecting entry point; callers never touch the RPC directly.
func (c *Client) Send(ctx context.Context, tx Tx, policy Policy) (*SendResult, error) {
	if c.key == nil {
		return nil, wrap("send", KindAuth, fmt.Errorf("no signing key attached"))
	}
	policy = policy.normalized()

	ctx, cancel := context.WithTimeout(ctx, policy.Deadline)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		done, err := c.breaker.Allow()
		if err != nil {
			c.fallbackMu.RLock()
			fb := c.fallback
			c.fallbackMu.RUnlock()
			if fb != nil {
				return fb(ctx, tx, policy)
			}
			return nil, wrap("send", KindCircuitOpen, err)
		}

		res, err := c.sendOnce(ctx, tx, policy, attempt)
		if err == nil {
			done(true)
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err

		// A revert means the RPC path worked; do not count it against
		// the breaker or retry it.
		if Classify(err) == KindRevert {
			done(true)
			return nil, err
		}
		done(false)

		if !policy.Retriable(err) {
			return nil, wrap("send", KindUnknown, err)
		}
		if attempt == policy.MaxAttempts {
			break
		}
		c.log.Warn().Str("tx", tx.Label).Int("attempt", attempt).Err(err).
			Msg("transaction attempt failed, backing off")
		if serr := sleep(ctx, policy.Delay(attempt)); serr != nil {
			return nil, wrap("send", KindTimeout, serr)
		}
	}
	return nil, &RetryError{Attempts: policy.MaxAttempts, Last: lastErr}
}

// sendOnce performs a single sign-submit-confirm cycle.
func (c *Client) sendOnce(ctx context.Context, tx Tx, policy Policy, attempt int) (*SendResult, error) {
	rpc, url, err := c.endpoints.Current(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*SendResult, error) {
		c.endpoints.ReportFailure(url)
		return nil, err
	}

	price, err := c.gasPrice(ctx, rpc, policy, attempt)
	if err != nil {
		return fail(err)
	}

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		gasLimit, err = rpc.EstimateGas(ctx, ethereum.CallMsg{
			From: c.from, To: &tx.To, Value: value, Data: tx.Data,
		})
		if err != nil {
			return fail(err)
		}
		gasLimit = gasLimit + gasLimit/5 // headroom over the estimate
	}

	// Balance precheck before spending a nonce.
	balance, err := rpc.BalanceAt(ctx, c.from, nil)
	if err != nil {
		return fail(err)
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), price.effective())
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return nil, wrap("send", KindResource,
			fmt.Errorf("insufficient funds: balance %s < required %s wei", balance, cost))
	}

	nonce, err := c.nextNonce(ctx, rpc)
	if err != nil {
		return fail(err)
	}

	var inner types.TxData
	if price.dynamic {
		inner = &types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: price.tipCap,
			GasFeeCap: price.feeCap,
			Gas:       gasLimit,
			To:        &tx.To,
			Value:     value,
			Data:      tx.Data,
		}
	} else {
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price.legacy,
			Gas:      gasLimit,
			To:       &tx.To,
			Value:    value,
			Data:     tx.Data,
		}
	}
	signed, err := types.SignNewTx(c.key, types.LatestSignerForChainID(c.chainID), inner)
	if err != nil {
		return nil, wrap("send", KindAuth, err)
	}

	if err := rpc.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
			c.resyncNonce()
		}
		return fail(err)
	}
	c.bumpNonce(nonce)

	c.log.Info().Str("tx", tx.Label).Str("hash", signed.Hash().Hex()).
		Uint64("nonce", nonce).Int("attempt", attempt).Msg("transaction submitted")

	res, err := c.awaitReceipt(ctx, rpc, signed.Hash(), policy)
	if err != nil {
		if Classify(err) != KindRevert {
			c.endpoints.ReportFailure(url)
		}
		return nil, err
	}
	c.endpoints.ReportSuccess(url)
	return res, nil
}

// awaitReceipt polls until the receipt has the required confirmations or
// the context deadline fires.
func (c *Client) awaitReceipt(ctx context.Context, rpc RPC, hash common.Hash, policy Policy) (*SendResult, error) {
	var receipt *types.Receipt
	for {
		r, err := rpc.TransactionReceipt(ctx, hash)
		if err == nil && r != nil {
			receipt = r
			break
		}
		if serr := sleep(ctx, policy.ConfirmInterval); serr != nil {
			return nil, wrap("confirm", KindTimeout,
				fmt.Errorf("confirmation timeout for %s: %w", hash.Hex(), serr))
		}
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return nil, wrap("confirm", KindRevert,
			fmt.Errorf("execution reverted: tx %s", hash.Hex()))
	}

	for policy.Confirmations > 1 {
		head, err := rpc.BlockNumber(ctx)
		if err == nil && head >= receipt.BlockNumber.Uint64()+uint64(policy.Confirmations)-1 {
			break
		}
		if serr := sleep(ctx, policy.ConfirmInterval); serr != nil {
			return nil, wrap("confirm", KindTimeout,
				fmt.Errorf("confirmation timeout for %s: %w", hash.Hex(), serr))
		}
	}

	return &SendResult{
		TxHash:      hash,
		Confirmed:   true,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// gasQuote is the priced gas for one attempt.
type gasQuote struct {
	dynamic bool
	tipCap  *big.Int
	feeCap  *big.Int
	legacy  *big.Int
}

// effective returns the per-gas price used for the balance precheck.
func (q gasQuote) effective() *big.Int {
	if q.dynamic {
		return q.feeCap
	}
	return q.legacy
}

// gasPrice quotes EIP-1559 fees when the chain exposes a base fee, legacy
// gas price otherwise. The multiplier compounds per retry.
func (c *Client) gasPrice(ctx context.Context, rpc RPC, policy Policy, attempt int) (gasQuote, error) {
	mult := func(v *big.Int) *big.Int {
		scaled := new(big.Int).Set(v)
		for i := 1; i < attempt; i++ {
			scaled.Mul(scaled, big.NewInt(int64(policy.GasPriceMultiplier*100)))
			scaled.Div(scaled, big.NewInt(100))
		}
		return scaled
	}

	head, err := rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return gasQuote{}, err
	}
	if head.BaseFee != nil {
		tip, err := rpc.SuggestGasTipCap(ctx)
		if err != nil {
			return gasQuote{}, err
		}
		tip = mult(tip)
		// feeCap = 2*baseFee + tip absorbs base fee growth while pending.
		feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return gasQuote{dynamic: true, tipCap: tip, feeCap: feeCap}, nil
	}

	price, err := rpc.SuggestGasPrice(ctx)
	if err != nil {
		return gasQuote{}, err
	}
	return gasQuote{legacy: mult(price)}, nil
}

// ---- nonce management ----

func (c *Client) nextNonce(ctx context.Context, rpc RPC) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if !c.nonceInit {
		n, err := rpc.PendingNonceAt(ctx, c.from)
		if err != nil {
			return 0, err
		}
		c.nonce = n
		c.nonceInit = true
	}
	return c.nonce, nil
}

func (c *Client) bumpNonce(used uint64) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.nonceInit && c.nonce == used {
		c.nonce++
	}
}

func (c *Client) resyncNonce() {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.nonceInit = false
}

// ---- typed reads ----

// NativeBalance returns the operator's native coin balance.
func (c *Client) NativeBalance(ctx context.Context) (*big.Int, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, wrap("balance", KindCircuitOpen, err)
	}
	rpc, url, err := c.endpoints.Current(ctx)
	if err != nil {
		done(false)
		return nil, err
	}
	bal, err := rpc.BalanceAt(ctx, c.from, nil)
	if err != nil {
		done(false)
		c.endpoints.ReportFailure(url)
		return nil, wrap("balance", KindUnknown, err)
	}
	done(true)
	c.endpoints.ReportSuccess(url)
	return bal, nil
}

// TokenBalance returns the operator's ERC-20 balance for token.
func (c *Client) TokenBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := c.contracts.PackBalanceOf(c.from)
	if err != nil {
		return nil, wrap("balance", KindValidation, err)
	}
	out, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return c.contracts.UnpackBalanceOf(out)
}

// EarningsBalance reads the operator's withdrawable earnings for token.
func (c *Client) EarningsBalance(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := c.contracts.PackGetBalance(c.from, token)
	if err != nil {
		return nil, wrap("earnings", KindValidation, err)
	}
	out, err := c.Call(ctx, c.contracts.HostEarnings, data)
	if err != nil {
		return nil, err
	}
	return c.contracts.UnpackGetBalance(out)
}

// Node reads the operator's registry record.
func (c *Client) Node(ctx context.Context) (NodeRecord, error) {
	data, err := c.contracts.PackNodes(c.from)
	if err != nil {
		return NodeRecord{}, wrap("node", KindValidation, err)
	}
	out, err := c.Call(ctx, c.contracts.NodeRegistry, data)
	if err != nil {
		return NodeRecord{}, err
	}
	return c.contracts.UnpackNodes(out)
}

// HostModelPrices reads the operator's configured prices for token.
func (c *Client) HostModelPrices(ctx context.Context, token common.Address) ([]ModelPrice, error) {
	data, err := c.contracts.PackGetHostModelPrices(c.from, token)
	if err != nil {
		return nil, wrap("prices", KindValidation, err)
	}
	out, err := c.Call(ctx, c.contracts.NodeRegistry, data)
	if err != nil {
		return nil, err
	}
	return c.contracts.UnpackGetHostModelPrices(out)
}

// Allowance reads the ERC-20 allowance the operator granted to spender.
func (c *Client) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data, err := c.contracts.PackAllowance(c.from, spender)
	if err != nil {
		return nil, wrap("allowance", KindValidation, err)
	}
	out, err := c.Call(ctx, token, data)
	if err != nil {
		return nil, err
	}
	return c.contracts.UnpackAllowance(out)
}
