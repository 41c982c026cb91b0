// Package engine tracks per-session token accounting, emits proof
// checkpoints when sessions cross the token threshold, and settles sessions
// on disconnect. Token accumulation never fails locally; checkpoint and
// settlement submissions fail loudly but never block accounting.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/events"
)

// IsCircuitOpen reports whether err traces back to an open breaker.
func IsCircuitOpen(err error) bool {
	return chain.Classify(err) == chain.KindCircuitOpen
}

// Settler submits proof checkpoints and final settlements on-chain. The
// production implementation wraps the chain client; on permanent failure it
// persists the intent to the failed-transaction log before returning.
type Settler interface {
	SubmitCheckpoint(ctx context.Context, jobID *big.Int, index, tokensClaimed uint64, proof []byte) (*SettleReceipt, error)
	CompleteSessionJob(ctx context.Context, jobID *big.Int, totalTokens uint64) (*SettleReceipt, error)
}

// SettleReceipt reports a confirmed submission.
type SettleReceipt struct {
	TxHash      string
	BlockNumber *big.Int
	GasUsed     uint64
}

// ProofFunc produces the proof bytes for a session checkpoint.
type ProofFunc func(sessionID string, index uint64) []byte

// Config tunes the engine. Zero fields take the documented defaults.
type Config struct {
	Threshold         uint64        // tokens per checkpoint
	ApproachingMargin uint64        // warning margin before a checkpoint
	MaxQueueSize      int           // pending checkpoint queue bound
	AutoSubmit        bool          // hand checkpoints to the settler as they arrive
	RetryInterval     time.Duration // auto-retry loop cadence
	SettleDeadline    time.Duration // budget for final settlement on disconnect
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 100
	}
	if c.ApproachingMargin == 0 {
		c.ApproachingMargin = 10
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.SettleDeadline <= 0 {
		c.SettleDeadline = 120 * time.Second
	}
	return c
}

// Session mirrors one live consumer connection for accounting.
type Session struct {
	ID                   string          `json:"id"`
	JobID                string          `json:"job_id"` // decimal uint256
	ModelID              string          `json:"model_id"`
	ChainID              int64           `json:"chain_id"`
	Tokens               uint64          `json:"tokens"`
	CheckpointsEmitted   uint64          `json:"checkpoints_emitted"`
	ProcessedCheckpoints map[uint64]bool `json:"processed_checkpoints"`
	OpenedAt             time.Time       `json:"opened_at"`
	LastActivityAt       time.Time       `json:"last_activity_at"`
}

func (s *Session) jobID() *big.Int {
	id, ok := new(big.Int).SetString(s.JobID, 10)
	if !ok {
		return new(big.Int)
	}
	return id
}

// PendingCheckpoint is one entry in the bounded FIFO queue.
type PendingCheckpoint struct {
	SessionID     string    `json:"session_id"`
	Index         uint64    `json:"index"`
	TokensClaimed uint64    `json:"tokens_claimed"`
	Proof         []byte    `json:"proof"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
}

// Stats aggregates accounting across all sessions.
type Stats struct {
	Sessions           int    `json:"sessions"`
	TotalSessions      uint64 `json:"total_sessions"`
	TotalTokens        uint64 `json:"total_tokens"`
	CheckpointsReached uint64 `json:"checkpoints_reached"`
	Processed          uint64 `json:"checkpoints_processed"`
	Pending            int    `json:"checkpoints_pending"`
	Dropped            uint64 `json:"checkpoints_dropped"`
	Exhausted          uint64 `json:"checkpoints_exhausted"`
	AvgTokensPerCP     uint64 `json:"avg_tokens_per_checkpoint"`
}

// Engine owns the live session map and the pending checkpoint queue.
type Engine struct {
	cfg     Config
	proof   ProofFunc
	settler Settler
	history *ProofHistory
	bus     *events.Bus
	log     zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	pending   []PendingCheckpoint
	submitted uint64 // counters survive session close
	totals    Stats

	wake chan struct{}
}

// New builds an engine. history and bus may be nil (accounting still works,
// nothing is persisted or published).
func New(cfg Config, proof ProofFunc, settler Settler, history *ProofHistory, bus *events.Bus, logger zerolog.Logger) *Engine {
	if proof == nil {
		proof = func(string, uint64) []byte { return nil }
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		proof:    proof,
		settler:  settler,
		history:  history,
		bus:      bus,
		log:      logger,
		sessions: make(map[string]*Session),
		wake:     make(chan struct{}, 1),
	}
}

// Threshold returns the current checkpoint threshold.
func (e *Engine) Threshold() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Threshold
}

// SetThreshold changes the threshold for future checkpoints only. Indices
// already emitted for accounted tokens are never rewritten.
func (e *Engine) SetThreshold(t uint64) {
	if t == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Threshold = t
}

// StartSession registers session metadata ahead of its first tokens. Calling
// AddTokens on an unknown session also creates it, with empty metadata.
func (e *Engine) StartSession(sessionID, jobID, modelID string, chainID int64) {
	e.mu.Lock()
	s, created := e.getOrCreateLocked(sessionID)
	if jobID != "" {
		s.JobID = jobID
	}
	if modelID != "" {
		s.ModelID = modelID
	}
	s.ChainID = chainID
	e.mu.Unlock()

	if created {
		e.emit(EventSessionStarted, SessionStarted{SessionID: sessionID, JobID: jobID, ModelID: modelID})
	}
}

// AddTokens admits n newly served tokens to a session, creating it on first
// sight. Crossed checkpoint indices are enqueued strictly increasing; a zero
// n still emits a progress event.
func (e *Engine) AddTokens(sessionID string, n uint64) {
	e.mu.Lock()
	s, created := e.getOrCreateLocked(sessionID)
	threshold := e.cfg.Threshold

	prevCP := s.Tokens / threshold
	s.Tokens += n
	s.LastActivityAt = time.Now().UTC()
	newCP := s.Tokens / threshold
	s.CheckpointsEmitted = newCP
	e.totals.TotalTokens += n

	var reached []PendingCheckpoint
	for i := prevCP + 1; i <= newCP; i++ {
		cp := PendingCheckpoint{
			SessionID:     sessionID,
			Index:         i,
			TokensClaimed: i * threshold,
			Proof:         e.proof(sessionID, i),
			EnqueuedAt:    time.Now().UTC(),
		}
		reached = append(reached, cp)
		e.totals.CheckpointsReached++
	}
	dropped := e.enqueueLocked(reached)

	total := s.Tokens
	remaining := threshold - total%threshold
	approaching := remaining <= e.cfg.ApproachingMargin && total%threshold != 0
	autoSubmit := e.cfg.AutoSubmit && len(reached) > 0
	e.mu.Unlock()

	if created {
		e.emit(EventSessionStarted, SessionStarted{SessionID: sessionID})
	}
	e.emit(EventTokenProgress, TokenProgress{SessionID: sessionID, Added: n, Total: total, Remaining: remaining})
	for _, cp := range dropped {
		e.emit(EventCheckpointDropped, CheckpointDropped{SessionID: cp.SessionID, Index: cp.Index})
	}
	for _, cp := range reached {
		e.emit(EventCheckpointReached, CheckpointReached{SessionID: sessionID, Index: cp.Index, Total: total})
		e.recordHistory(sessionID, cp, StatusPending, "", nil, 0, "")
	}
	if approaching {
		e.emit(EventCheckpointApproaching, CheckpointApproaching{SessionID: sessionID, Total: total, TokensUntil: remaining})
	}
	if autoSubmit {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
}

// MarkCheckpointProcessed records an index as settled. Idempotent: repeated
// calls for the same index leave state unchanged.
func (e *Engine) MarkCheckpointProcessed(sessionID string, index uint64) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok || s.ProcessedCheckpoints[index] {
		e.mu.Unlock()
		return
	}
	s.ProcessedCheckpoints[index] = true
	e.totals.Processed++
	e.removePendingLocked(sessionID, index)
	e.mu.Unlock()

	e.emit(EventCheckpointProcessed, CheckpointProcessed{SessionID: sessionID, Index: index})
}

// ResetSession purges a session's counters and all its pending checkpoints.
func (e *Engine) ResetSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	kept := e.pending[:0]
	for _, cp := range e.pending {
		if cp.SessionID != sessionID {
			kept = append(kept, cp)
		}
	}
	e.pending = kept
	e.mu.Unlock()
}

// OnSessionEnd flushes the remaining tokens of a session as a final
// settlement and closes it. Settlement failure is surfaced via the failed
// transaction log (by the settler) and the returned error; the session is
// closed either way.
func (e *Engine) OnSessionEnd(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.sessions, sessionID)
	kept := e.pending[:0]
	for _, cp := range e.pending {
		if cp.SessionID != sessionID {
			kept = append(kept, cp)
		}
	}
	e.pending = kept
	total := s.Tokens
	jobID := s.jobID()
	e.mu.Unlock()

	settled := false
	var settleErr error
	if e.settler != nil && total > 0 {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.SettleDeadline)
		defer cancel()
		receipt, err := e.settler.CompleteSessionJob(sctx, jobID, total)
		if err != nil {
			settleErr = fmt.Errorf("engine: settle session %s: %w", sessionID, err)
			e.log.Error().Str("session", sessionID).Uint64("tokens", total).Err(err).
				Msg("final settlement failed")
		} else {
			settled = true
			block := ""
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.String()
			}
			e.emit(EventSessionSettled, SessionSettled{
				SessionID:   sessionID,
				JobID:       s.JobID,
				TotalTokens: total,
				TxHash:      receipt.TxHash,
				BlockNumber: block,
			})
		}
	}

	e.emit(EventSessionEnded, SessionEnded{SessionID: sessionID, TotalTokens: total, Settled: settled})
	return settleErr
}

// Pending returns a copy of the checkpoint queue, oldest first.
func (e *Engine) Pending() []PendingCheckpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingCheckpoint, len(e.pending))
	copy(out, e.pending)
	return out
}

// Sessions returns a snapshot of all live sessions.
func (e *Engine) Sessions() []Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		cp := *s
		cp.ProcessedCheckpoints = make(map[uint64]bool, len(s.ProcessedCheckpoints))
		for k, v := range s.ProcessedCheckpoints {
			cp.ProcessedCheckpoints[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Stats reports aggregate counters for operator monitoring.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.totals
	st.Sessions = len(e.sessions)
	st.Pending = len(e.pending)
	if st.CheckpointsReached > 0 {
		st.AvgTokensPerCP = st.TotalTokens / st.CheckpointsReached
	}
	return st
}

// Run drives auto-submission and the retry loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

// drain submits pending checkpoints in FIFO order. A breaker-open error
// leaves the queue untouched for the next pass; other failures count an
// attempt and exhaust after three.
func (e *Engine) drain(ctx context.Context) {
	if e.settler == nil {
		return
	}
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		cp := e.pending[0]
		s, ok := e.sessions[cp.SessionID]
		if !ok {
			// Session already closed; its final settlement covers the tokens.
			e.pending = e.pending[1:]
			e.mu.Unlock()
			continue
		}
		if s.ProcessedCheckpoints[cp.Index] {
			e.pending = e.pending[1:]
			e.mu.Unlock()
			continue
		}
		jobID := s.jobID()
		e.mu.Unlock()

		receipt, err := e.settler.SubmitCheckpoint(ctx, jobID, cp.Index, cp.TokensClaimed, cp.Proof)
		if err != nil {
			if IsCircuitOpen(err) {
				// Keep the checkpoint; the breaker will admit a later pass.
				e.log.Warn().Str("session", cp.SessionID).Uint64("index", cp.Index).
					Msg("checkpoint deferred, circuit open")
				return
			}
			e.failAttempt(cp, err)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		// The queue may have changed while the lock was released: the settler
		// or an event handler can mark this checkpoint processed, and session
		// teardown can purge entries. Remove by identity, never by position.
		e.mu.Lock()
		e.removePendingLocked(cp.SessionID, cp.Index)
		already := false
		if s, ok := e.sessions[cp.SessionID]; ok {
			already = s.ProcessedCheckpoints[cp.Index]
			s.ProcessedCheckpoints[cp.Index] = true
		}
		if !already {
			e.totals.Processed++
		}
		e.mu.Unlock()

		if !already {
			e.emit(EventCheckpointProcessed, CheckpointProcessed{SessionID: cp.SessionID, Index: cp.Index, TxHash: receipt.TxHash})
		}
		e.recordHistory(cp.SessionID, cp, StatusConfirmed, receipt.TxHash, receipt.BlockNumber, receipt.GasUsed, "")
	}
}

// failAttempt counts a failed submission; after the third attempt the
// checkpoint leaves the queue as exhausted. The settler has already stored
// the intent durably, so nothing is lost silently.
func (e *Engine) failAttempt(cp PendingCheckpoint, cause error) {
	const maxAttempts = 3

	e.mu.Lock()
	exhausted := false
	for i := range e.pending {
		if e.pending[i].SessionID == cp.SessionID && e.pending[i].Index == cp.Index {
			e.pending[i].Attempts++
			if e.pending[i].Attempts >= maxAttempts {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				exhausted = true
			}
			break
		}
	}
	if exhausted {
		e.totals.Exhausted++
	}
	e.mu.Unlock()

	if exhausted {
		e.log.Error().Str("session", cp.SessionID).Uint64("index", cp.Index).Err(cause).
			Msg("checkpoint retry budget exhausted")
		e.emit(EventCheckpointExhausted, CheckpointExhausted{SessionID: cp.SessionID, Index: cp.Index, Error: cause.Error()})
		e.recordHistory(cp.SessionID, cp, StatusFailed, "", nil, 0, cause.Error())
	}
}

// snapshot is the serialized engine state.
type snapshot struct {
	Threshold uint64              `json:"threshold"`
	Sessions  []Session           `json:"sessions"`
	Pending   []PendingCheckpoint `json:"pending"`
	Totals    Stats               `json:"totals"`
}

// Serialize captures the full engine state for persistence.
func (e *Engine) Serialize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := snapshot{
		Threshold: e.cfg.Threshold,
		Pending:   append([]PendingCheckpoint(nil), e.pending...),
		Totals:    e.totals,
	}
	for _, s := range e.sessions {
		snap.Sessions = append(snap.Sessions, *s)
	}
	return json.Marshal(snap)
}

// Deserialize restores a snapshot produced by Serialize, replacing current
// state.
func (e *Engine) Deserialize(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("engine: decode snapshot: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if snap.Threshold > 0 {
		e.cfg.Threshold = snap.Threshold
	}
	e.sessions = make(map[string]*Session, len(snap.Sessions))
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		if s.ProcessedCheckpoints == nil {
			s.ProcessedCheckpoints = make(map[uint64]bool)
		}
		e.sessions[s.ID] = &s
	}
	e.pending = snap.Pending
	e.totals = snap.Totals
	return nil
}

// ---- internals ----

// getOrCreateLocked returns the session, creating it when absent. Caller
// holds the lock.
func (e *Engine) getOrCreateLocked(sessionID string) (*Session, bool) {
	if s, ok := e.sessions[sessionID]; ok {
		return s, false
	}
	s := &Session{
		ID:                   sessionID,
		ProcessedCheckpoints: make(map[uint64]bool),
		OpenedAt:             time.Now().UTC(),
		LastActivityAt:       time.Now().UTC(),
	}
	e.sessions[sessionID] = s
	e.totals.TotalSessions++
	return s, true
}

// enqueueLocked appends checkpoints, evicting the oldest entries past the
// queue bound. Caller holds the lock; evicted entries are returned for
// event emission outside it.
func (e *Engine) enqueueLocked(cps []PendingCheckpoint) []PendingCheckpoint {
	e.pending = append(e.pending, cps...)
	var dropped []PendingCheckpoint
	for len(e.pending) > e.cfg.MaxQueueSize {
		dropped = append(dropped, e.pending[0])
		e.pending = e.pending[1:]
		e.totals.Dropped++
	}
	return dropped
}

func (e *Engine) removePendingLocked(sessionID string, index uint64) {
	for i := range e.pending {
		if e.pending[i].SessionID == sessionID && e.pending[i].Index == index {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) emit(eventType string, data interface{}) {
	if e.bus != nil {
		e.bus.Emit(eventType, "engine", data)
	}
}

func (e *Engine) recordHistory(sessionID string, cp PendingCheckpoint, status Status, txHash string, block *big.Int, gasUsed uint64, errMsg string) {
	if e.history == nil {
		return
	}
	e.mu.Lock()
	jobID := ""
	if s, ok := e.sessions[sessionID]; ok {
		jobID = s.JobID
	}
	e.mu.Unlock()
	e.history.Record(sessionID, jobID, cp.Index, cp.TokensClaimed, cp.Proof, status, txHash, block, gasUsed, errMsg)
}
