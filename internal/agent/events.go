package agent

// Event types published by the agent on the shared bus.
const (
	EventConnected           = "agent.connected"
	EventAuthChanged         = "agent.auth_changed"
	EventRegistered          = "agent.registered"
	EventPricingChanged      = "agent.pricing_changed"
	EventWithdrawn           = "agent.withdrawn"
	EventBalanceChanged      = "agent.balance_changed"
	EventRequirementsChanged = "agent.requirements_changed"
	EventError               = "agent.error"
)

// Connected fires after the chain client answers its first call.
type Connected struct {
	ChainID int64  `json:"chain_id"`
	Network string `json:"network"`
}

// AuthChanged fires when signing material is attached or rejected.
type AuthChanged struct {
	Authenticated bool   `json:"authenticated"`
	Address       string `json:"address,omitempty"`
}

// Registered fires after on-chain registration confirms.
type Registered struct {
	PublicURL string   `json:"public_url"`
	Models    []string `json:"models"`
	Stake     string   `json:"stake"` // whole fabric tokens
	TxHash    string   `json:"tx_hash"`
}

// PricingChanged fires after a pricing update confirms.
type PricingChanged struct {
	ModelID string `json:"model_id"`
	Token   string `json:"token"`
	Price   string `json:"price"`
	TxHash  string `json:"tx_hash"`
}

// Withdrawn fires after an earnings withdrawal confirms.
type Withdrawn struct {
	Tokens []string `json:"tokens"`
	TxHash string   `json:"tx_hash"`
}

// BalanceChanged reports a refreshed balance sample.
type BalanceChanged struct {
	Native string `json:"native"` // wei
	Fab    string `json:"fab"`
	Staked string `json:"staked"`
}

// RequirementsChanged fires when the met/unmet boundary is crossed.
type RequirementsChanged struct {
	Met     bool     `json:"met"`
	Reasons []string `json:"reasons,omitempty"`
}

// ErrorEvent surfaces a classified failure to observers.
type ErrorEvent struct {
	Op    string `json:"op"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
