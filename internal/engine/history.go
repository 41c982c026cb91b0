package engine

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/pkg/bignum"
)

// Status tracks a checkpoint submission through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// HistoryEntry is one checkpoint submission record. Chain quantities use the
// tagged BigInt encoding so amounts survive persistence losslessly.
type HistoryEntry struct {
	SessionID     string      `json:"session_id"`
	JobID         string      `json:"job_id"`
	Index         uint64      `json:"checkpoint_index"`
	TokensClaimed *bignum.Int `json:"tokens_claimed"`
	Proof         string      `json:"proof,omitempty"` // hex
	TxHash        string      `json:"tx_hash,omitempty"`
	BlockNumber   *bignum.Int `json:"block_number,omitempty"`
	GasUsed       *bignum.Int `json:"gas_used,omitempty"`
	Status        Status      `json:"status"`
	Timestamp     time.Time   `json:"timestamp"`
	Error         string      `json:"error,omitempty"`
}

const (
	historyFileName  = "proof-history.json"
	historyDebounce  = 2 * time.Second
	reconcileTimeout = 120 * time.Second
)

// ProofHistory keeps every checkpoint submission for audit and crash
// recovery. Writes are debounced: Record marks the history dirty and a
// background flusher persists at most once per debounce window.
type ProofHistory struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	entries []HistoryEntry
	dirty   bool

	kick chan struct{}
	done chan struct{}
}

// NewProofHistory loads (or creates) the history at dataDir/proof-history.json
// and reconciles entries stranded by a crash: pending or submitted records
// older than the confirmation deadline are re-marked failed.
func NewProofHistory(dataDir string, logger zerolog.Logger) (*ProofHistory, error) {
	h := &ProofHistory{
		path: filepath.Join(dataDir, historyFileName),
		log:  logger,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}
	if err := h.load(); err != nil {
		return nil, err
	}
	stranded := h.reconcile(time.Now().UTC())
	if stranded > 0 {
		logger.Warn().Int("count", stranded).Msg("re-marked stranded proof submissions as failed")
	}
	return h, nil
}

// Run flushes dirty state until ctx-style shutdown via Close.
func (h *ProofHistory) Run() {
	timer := time.NewTimer(historyDebounce)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-h.kick:
			if !ok {
				h.flush()
				close(h.done)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(historyDebounce)
		case <-timer.C:
			h.flush()
		}
	}
}

// Close stops the flusher after one final synchronous flush.
func (h *ProofHistory) Close() {
	close(h.kick)
	<-h.done
}

// Record inserts or updates the entry for (sessionID, index). Re-recording
// an identical state is a no-op, so replays leave the file unchanged.
func (h *ProofHistory) Record(sessionID, jobID string, index, tokensClaimed uint64, proof []byte, status Status, txHash string, block *big.Int, gasUsed uint64, errMsg string) {
	h.mu.Lock()
	var e *HistoryEntry
	for i := range h.entries {
		if h.entries[i].SessionID == sessionID && h.entries[i].Index == index {
			e = &h.entries[i]
			break
		}
	}
	if e == nil {
		h.entries = append(h.entries, HistoryEntry{
			SessionID: sessionID,
			Index:     index,
			Timestamp: time.Now().UTC(),
		})
		e = &h.entries[len(h.entries)-1]
	}
	if e.Status == status && e.TxHash == txHash && e.Error == errMsg {
		h.mu.Unlock()
		return
	}
	if jobID != "" {
		e.JobID = jobID
	}
	e.TokensClaimed = bignum.FromBig(new(big.Int).SetUint64(tokensClaimed))
	if len(proof) > 0 {
		e.Proof = hex.EncodeToString(proof)
	}
	e.Status = status
	e.TxHash = txHash
	if block != nil {
		e.BlockNumber = bignum.FromBig(block)
	}
	if gasUsed > 0 {
		e.GasUsed = bignum.FromBig(new(big.Int).SetUint64(gasUsed))
	}
	e.Error = errMsg
	e.Timestamp = time.Now().UTC()
	h.dirty = true
	h.mu.Unlock()

	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Entries returns a copy of all records, oldest first.
func (h *ProofHistory) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// ExportCSV writes the history as CSV for audit tooling.
func (h *ProofHistory) ExportCSV(w io.Writer) error {
	entries := h.Entries()
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"session_id", "job_id", "checkpoint_index", "tokens_claimed", "tx_hash", "block_number", "gas_used", "status", "timestamp", "error"}); err != nil {
		return err
	}
	str := func(n *bignum.Int) string {
		if n == nil {
			return ""
		}
		return n.String()
	}
	for _, e := range entries {
		row := []string{
			e.SessionID,
			e.JobID,
			strconv.FormatUint(e.Index, 10),
			str(e.TokensClaimed),
			e.TxHash,
			str(e.BlockNumber),
			str(e.GasUsed),
			string(e.Status),
			e.Timestamp.Format(time.RFC3339),
			e.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Flush persists immediately, bypassing the debounce.
func (h *ProofHistory) Flush() error {
	return h.flush()
}

// ---- internals ----

func (h *ProofHistory) load() error {
	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: open proof history: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			h.log.Warn().Err(err).Msg("skipping malformed proof history entry")
			continue
		}
		h.entries = append(h.entries, e)
	}
	return sc.Err()
}

// reconcile marks submissions stranded in flight by a crash as failed.
func (h *ProofHistory) reconcile(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	stranded := 0
	for i := range h.entries {
		e := &h.entries[i]
		if (e.Status == StatusPending || e.Status == StatusSubmitted) && now.Sub(e.Timestamp) > reconcileTimeout {
			e.Status = StatusFailed
			e.Error = "stranded at shutdown"
			stranded++
		}
	}
	if stranded > 0 {
		h.dirty = true
	}
	return stranded
}

// flush rewrites the JSON-lines file atomically when dirty.
func (h *ProofHistory) flush() error {
	h.mu.Lock()
	if !h.dirty {
		h.mu.Unlock()
		return nil
	}
	entries := make([]HistoryEntry, len(h.entries))
	copy(entries, h.entries)
	h.dirty = false
	h.mu.Unlock()

	tmp := h.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("engine: write proof history: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return err
	}
	h.log.Debug().Int("entries", len(entries)).Msg("proof history flushed")
	return nil
}
