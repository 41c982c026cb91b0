package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPC is the slice of the Ethereum JSON-RPC surface the operator uses.
// *ethclient.Client satisfies it; tests inject fakes.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Dialer opens an RPC connection to one endpoint URL.
type Dialer func(ctx context.Context, url string) (RPC, error)

// DialEthclient is the production dialer.
func DialEthclient(ctx context.Context, url string) (RPC, error) {
	return ethclient.DialContext(ctx, url)
}

const (
	endpointFailureThreshold = 3
	endpointCooldown         = 60 * time.Second
)

type endpoint struct {
	url         string
	client      RPC
	failures    int
	lastFailure time.Time
	healthy     bool
}

// Endpoints is the RPC failover pool. Endpoints are tried in configured
// order; one is marked unhealthy after three consecutive failures and
// becomes eligible again after the cooldown.
type Endpoints struct {
	dial Dialer

	mu      sync.RWMutex
	list    []*endpoint
	current int
}

// NewEndpoints builds a pool over the configured URLs. dial may be nil, in
// which case DialEthclient is used.
func NewEndpoints(urls []string, dial Dialer) (*Endpoints, error) {
	if len(urls) == 0 {
		return nil, wrap("endpoints", KindValidation, fmt.Errorf("no RPC endpoints configured"))
	}
	if dial == nil {
		dial = DialEthclient
	}
	p := &Endpoints{dial: dial}
	for _, u := range urls {
		p.list = append(p.list, &endpoint{url: u, healthy: true})
	}
	return p, nil
}

// URLs returns the configured endpoint URLs in order.
func (p *Endpoints) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.list))
	for i, e := range p.list {
		out[i] = e.url
	}
	return out
}

// Current returns a connected client for the active endpoint, dialing
// lazily and failing over to the next usable endpoint when needed.
func (p *Endpoints) Current(ctx context.Context) (RPC, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := len(p.list)
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (p.current + i) % n
		e := p.list[idx]
		if !usableAt(e, now) {
			continue
		}
		if !e.healthy {
			// Cooldown elapsed; allow one probe streak again.
			e.healthy = true
			e.failures = 0
		}
		if e.client == nil {
			c, err := p.dial(ctx, e.url)
			if err != nil {
				lastErr = err
				p.recordFailureLocked(e, now)
				continue
			}
			e.client = c
		}
		p.current = idx
		return e.client, e.url, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all %d RPC endpoints unhealthy", n)
	}
	return nil, "", wrap("endpoints", KindNetwork, lastErr)
}

// ReportFailure records a failed call against url. The endpoint is marked
// unhealthy on the third consecutive failure and the pool advances.
func (p *Endpoints) ReportFailure(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, e := range p.list {
		if e.url == url {
			p.recordFailureLocked(e, now)
			return
		}
	}
}

// ReportSuccess clears the failure streak for url.
func (p *Endpoints) ReportSuccess(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.list {
		if e.url == url {
			e.failures = 0
			e.healthy = true
			return
		}
	}
}

// Health reports per-endpoint status for the management API.
func (p *Endpoints) Health() []EndpointHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := time.Now()
	out := make([]EndpointHealth, len(p.list))
	for i, e := range p.list {
		out[i] = EndpointHealth{
			URL:         e.url,
			Healthy:     usableAt(e, now),
			Failures:    e.failures,
			LastFailure: e.lastFailure,
			Active:      i == p.current,
		}
	}
	return out
}

// EndpointHealth is one endpoint's status snapshot.
type EndpointHealth struct {
	URL         string    `json:"url"`
	Healthy     bool      `json:"healthy"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Active      bool      `json:"active"`
}

// Close tears down all dialed connections.
func (p *Endpoints) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.list {
		if e.client != nil {
			e.client.Close()
			e.client = nil
		}
	}
}

func (p *Endpoints) recordFailureLocked(e *endpoint, now time.Time) {
	e.failures++
	e.lastFailure = now
	if e.failures >= endpointFailureThreshold {
		e.healthy = false
		if e.client != nil {
			e.client.Close()
			e.client = nil
		}
	}
}

// usableAt reports whether e can serve calls: healthy, or cooled down long
// enough to be probed again.
func usableAt(e *endpoint, now time.Time) bool {
	return e.healthy || now.Sub(e.lastFailure) >= endpointCooldown
}
