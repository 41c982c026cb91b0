package engine

// Event types published by the engine on the shared bus. Payload types are
// fixed per event so subscribers can type-assert Data without inspection.
const (
	EventTokenProgress         = "session.token_progress"
	EventCheckpointApproaching = "session.checkpoint_approaching"
	EventCheckpointReached     = "session.checkpoint_reached"
	EventCheckpointDropped     = "session.checkpoint_dropped"
	EventCheckpointProcessed   = "session.checkpoint_processed"
	EventCheckpointExhausted   = "session.checkpoint_exhausted"
	EventSessionStarted        = "session.started"
	EventSessionSettled        = "session.settled"
	EventSessionEnded          = "session.ended"
)

// TokenProgress reports tokens admitted to a session.
type TokenProgress struct {
	SessionID string `json:"session_id"`
	Added     uint64 `json:"added"`
	Total     uint64 `json:"total"`
	Remaining uint64 `json:"remaining"` // tokens until the next checkpoint
}

// CheckpointApproaching fires when a session is within the warning margin of
// its next checkpoint.
type CheckpointApproaching struct {
	SessionID   string `json:"session_id"`
	Total       uint64 `json:"total"`
	TokensUntil uint64 `json:"tokens_until"`
}

// CheckpointReached fires once per crossed checkpoint index.
type CheckpointReached struct {
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
	Total     uint64 `json:"total"`
}

// CheckpointDropped fires when the pending queue overflows and the oldest
// entry is discarded. Drops are a signal of an unhealthy downstream.
type CheckpointDropped struct {
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
}

// CheckpointProcessed fires when a checkpoint submission is confirmed.
type CheckpointProcessed struct {
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// CheckpointExhausted fires when a checkpoint has spent its retry budget.
type CheckpointExhausted struct {
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
	Error     string `json:"error"`
}

// SessionStarted fires when the engine first sees a session.
type SessionStarted struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	ModelID   string `json:"model_id"`
}

// SessionSettled fires after the final settlement transaction confirms.
type SessionSettled struct {
	SessionID   string `json:"session_id"`
	JobID       string `json:"job_id"`
	TotalTokens uint64 `json:"total_tokens"`
	TxHash      string `json:"tx_hash"`
	BlockNumber string `json:"block_number,omitempty"`
}

// SessionEnded fires when a session closes, whether or not settlement
// succeeded.
type SessionEnded struct {
	SessionID   string `json:"session_id"`
	TotalTokens uint64 `json:"total_tokens"`
	Settled     bool   `json:"settled"`
}
