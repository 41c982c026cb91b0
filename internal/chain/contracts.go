package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ABIs covering only the methods the agent calls. Keeping them
// inline avoids a codegen step and keeps the call surface auditable.
const (
	marketplaceABI = `[
		{"name":"completeSessionJob","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"jobId","type":"uint256"},{"name":"totalTokens","type":"uint256"}],
		 "outputs":[]}
	]`

	registryABI = `[
		{"name":"registerHost","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"publicUrl","type":"string"},
		           {"name":"models","type":"bytes32[]"},
		           {"name":"stake","type":"uint256"},
		           {"name":"pricing","type":"uint256[]"}],
		 "outputs":[]},
		{"name":"setModelTokenPricing","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"modelId","type":"bytes32"},
		           {"name":"token","type":"address"},
		           {"name":"price","type":"uint256"}],
		 "outputs":[]},
		{"name":"clearModelTokenPricing","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"modelId","type":"bytes32"},{"name":"token","type":"address"}],
		 "outputs":[]},
		{"name":"getHostModelPrices","type":"function","stateMutability":"view",
		 "inputs":[{"name":"operator","type":"address"},{"name":"token","type":"address"}],
		 "outputs":[{"name":"modelIds","type":"bytes32[]"},{"name":"prices","type":"uint256[]"}]},
		{"name":"nodes","type":"function","stateMutability":"view",
		 "inputs":[{"name":"operator","type":"address"}],
		 "outputs":[{"name":"registered","type":"bool"},
		            {"name":"publicUrl","type":"string"},
		            {"name":"stake","type":"uint256"}]}
	]`

	earningsABI = `[
		{"name":"getBalance","type":"function","stateMutability":"view",
		 "inputs":[{"name":"host","type":"address"},{"name":"token","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"name":"getBalances","type":"function","stateMutability":"view",
		 "inputs":[{"name":"host","type":"address"},{"name":"tokens","type":"address[]"}],
		 "outputs":[{"name":"","type":"uint256[]"}]},
		{"name":"withdraw","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"amount","type":"uint256"},{"name":"token","type":"address"}],
		 "outputs":[]},
		{"name":"withdrawAll","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"token","type":"address"}],
		 "outputs":[]},
		{"name":"withdrawMultiple","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"tokens","type":"address[]"}],
		 "outputs":[]}
	]`

	proofSystemABI = `[
		{"name":"submitCheckpoint","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"jobId","type":"uint256"},
		           {"name":"checkpoint","type":"tuple","components":[
		               {"name":"index","type":"uint256"},
		               {"name":"tokensGenerated","type":"uint256"},
		               {"name":"proof","type":"bytes"},
		               {"name":"timestamp","type":"uint256"}]}],
		 "outputs":[]}
	]`

	erc20ABI = `[
		{"name":"approve","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view",
		 "inputs":[{"name":"account","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]},
		{"name":"allowance","type":"function","stateMutability":"view",
		 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		 "outputs":[{"name":"","type":"uint256"}]}
	]`
)

// Contracts holds the parsed ABIs and deployed addresses for one network.
type Contracts struct {
	Marketplace  common.Address
	NodeRegistry common.Address
	ProofSystem  common.Address
	HostEarnings common.Address
	FabToken     common.Address
	UsdcToken    common.Address

	marketplace abi.ABI
	registry    abi.ABI
	earnings    abi.ABI
	proofs      abi.ABI
	erc20       abi.ABI
}

// NewContracts parses the embedded ABIs and binds them to addresses.
func NewContracts(marketplace, registry, proofs, earnings, fab, usdc common.Address) (*Contracts, error) {
	c := &Contracts{
		Marketplace:  marketplace,
		NodeRegistry: registry,
		ProofSystem:  proofs,
		HostEarnings: earnings,
		FabToken:     fab,
		UsdcToken:    usdc,
	}
	for _, def := range []struct {
		raw  string
		dest *abi.ABI
	}{
		{marketplaceABI, &c.marketplace},
		{registryABI, &c.registry},
		{earningsABI, &c.earnings},
		{proofSystemABI, &c.proofs},
		{erc20ABI, &c.erc20},
	} {
		parsed, err := abi.JSON(strings.NewReader(def.raw))
		if err != nil {
			return nil, fmt.Errorf("chain: parse abi: %w", err)
		}
		*def.dest = parsed
	}
	return c, nil
}

// ModelID maps a model string of form repo:filename onto its on-chain
// bytes32 identifier.
func ModelID(model string) [32]byte {
	var id [32]byte
	copy(id[:], crypto.Keccak256([]byte(model)))
	return id
}

// Checkpoint is the proof-system tuple argument for submitCheckpoint.
type Checkpoint struct {
	Index           *big.Int
	TokensGenerated *big.Int
	Proof           []byte
	Timestamp       *big.Int
}

// ---- call data packers ----

func (c *Contracts) PackCompleteSessionJob(jobID, totalTokens *big.Int) ([]byte, error) {
	return c.marketplace.Pack("completeSessionJob", jobID, totalTokens)
}

func (c *Contracts) PackSubmitCheckpoint(jobID *big.Int, cp Checkpoint) ([]byte, error) {
	return c.proofs.Pack("submitCheckpoint", jobID, cp)
}

func (c *Contracts) PackRegisterHost(publicURL string, models [][32]byte, stake *big.Int, pricing []*big.Int) ([]byte, error) {
	return c.registry.Pack("registerHost", publicURL, models, stake, pricing)
}

func (c *Contracts) PackSetModelTokenPricing(modelID [32]byte, token common.Address, price *big.Int) ([]byte, error) {
	return c.registry.Pack("setModelTokenPricing", modelID, token, price)
}

func (c *Contracts) PackClearModelTokenPricing(modelID [32]byte, token common.Address) ([]byte, error) {
	return c.registry.Pack("clearModelTokenPricing", modelID, token)
}

func (c *Contracts) PackWithdraw(amount *big.Int, token common.Address) ([]byte, error) {
	return c.earnings.Pack("withdraw", amount, token)
}

func (c *Contracts) PackWithdrawAll(token common.Address) ([]byte, error) {
	return c.earnings.Pack("withdrawAll", token)
}

func (c *Contracts) PackWithdrawMultiple(tokens []common.Address) ([]byte, error) {
	return c.earnings.Pack("withdrawMultiple", tokens)
}

func (c *Contracts) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return c.erc20.Pack("approve", spender, amount)
}

// ---- view call packers and decoders ----

func (c *Contracts) PackGetBalance(host, token common.Address) ([]byte, error) {
	return c.earnings.Pack("getBalance", host, token)
}

func (c *Contracts) UnpackGetBalance(data []byte) (*big.Int, error) {
	out, err := c.earnings.Unpack("getBalance", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Contracts) PackGetBalances(host common.Address, tokens []common.Address) ([]byte, error) {
	return c.earnings.Pack("getBalances", host, tokens)
}

func (c *Contracts) UnpackGetBalances(data []byte) ([]*big.Int, error) {
	out, err := c.earnings.Unpack("getBalances", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int), nil
}

func (c *Contracts) PackBalanceOf(account common.Address) ([]byte, error) {
	return c.erc20.Pack("balanceOf", account)
}

func (c *Contracts) UnpackBalanceOf(data []byte) (*big.Int, error) {
	out, err := c.erc20.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Contracts) PackAllowance(owner, spender common.Address) ([]byte, error) {
	return c.erc20.Pack("allowance", owner, spender)
}

func (c *Contracts) UnpackAllowance(data []byte) (*big.Int, error) {
	out, err := c.erc20.Unpack("allowance", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (c *Contracts) PackNodes(operator common.Address) ([]byte, error) {
	return c.registry.Pack("nodes", operator)
}

// NodeRecord is the registry's per-operator record.
type NodeRecord struct {
	Registered bool
	PublicURL  string
	Stake      *big.Int
}

func (c *Contracts) UnpackNodes(data []byte) (NodeRecord, error) {
	out, err := c.registry.Unpack("nodes", data)
	if err != nil {
		return NodeRecord{}, err
	}
	return NodeRecord{
		Registered: out[0].(bool),
		PublicURL:  out[1].(string),
		Stake:      abi.ConvertType(out[2], new(big.Int)).(*big.Int),
	}, nil
}

func (c *Contracts) PackGetHostModelPrices(operator, token common.Address) ([]byte, error) {
	return c.registry.Pack("getHostModelPrices", operator, token)
}

// ModelPrice pairs an on-chain model id with its configured price.
type ModelPrice struct {
	ModelID [32]byte
	Price   *big.Int
}

func (c *Contracts) UnpackGetHostModelPrices(data []byte) ([]ModelPrice, error) {
	out, err := c.registry.Unpack("getHostModelPrices", data)
	if err != nil {
		return nil, err
	}
	ids := *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte)
	prices := *abi.ConvertType(out[1], new([]*big.Int)).(*[]*big.Int)
	if len(ids) != len(prices) {
		return nil, fmt.Errorf("chain: getHostModelPrices length mismatch: %d ids, %d prices", len(ids), len(prices))
	}
	pairs := make([]ModelPrice, len(ids))
	for i := range ids {
		pairs[i] = ModelPrice{ModelID: ids[i], Price: prices[i]}
	}
	return pairs, nil
}
