package chain

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultFailedTxMaxAge bounds how long a stored intent stays retryable.
const DefaultFailedTxMaxAge = 7 * 24 * time.Hour

// FailedTx is one durably stored transaction intent.
type FailedTx struct {
	ID        string         `json:"id"`
	To        common.Address `json:"to"`
	Data      hexutil.Bytes  `json:"data"`
	Value     string         `json:"value,omitempty"` // decimal wei
	Label     string         `json:"label"`
	Error     string         `json:"error"`
	Attempts  int            `json:"attempts"`
	StoredAt  time.Time      `json:"stored_at"`
	LastRetry time.Time      `json:"last_retry,omitempty"`
}

// FailedTxLog persists failed transaction intents as JSON lines so they
// survive restarts and can be replayed.
type FailedTxLog struct {
	path string
	log  zerolog.Logger

	mu sync.Mutex
}

// NewFailedTxLog opens (creating if needed) the log at dataDir/failed-txs.json
// and purges entries older than DefaultFailedTxMaxAge.
func NewFailedTxLog(dataDir string, logger zerolog.Logger) (*FailedTxLog, error) {
	l := &FailedTxLog{path: filepath.Join(dataDir, "failed-txs.json"), log: logger}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("chain: create data dir: %w", err)
	}
	removed, err := l.CleanupExpired(DefaultFailedTxMaxAge)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("purged expired failed transactions")
	}
	return l, nil
}

// StoreFailed appends a failed intent built from tx and err.
func (l *FailedTxLog) StoreFailed(tx Tx, attempts int, cause error) (FailedTx, error) {
	entry := FailedTx{
		ID:       uuid.NewString(),
		To:       tx.To,
		Data:     hexutil.Bytes(tx.Data),
		Label:    tx.Label,
		Error:    cause.Error(),
		Attempts: attempts,
		StoredAt: time.Now().UTC(),
	}
	if tx.Value != nil && tx.Value.Sign() > 0 {
		entry.Value = tx.Value.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return FailedTx{}, fmt.Errorf("chain: open failed-tx log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(entry)
	if err != nil {
		return FailedTx{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return FailedTx{}, fmt.Errorf("chain: append failed-tx log: %w", err)
	}
	l.log.Warn().Str("id", entry.ID).Str("label", entry.Label).
		Str("error", entry.Error).Msg("transaction stored for later retry")
	return entry, nil
}

// List returns all stored intents, oldest first.
func (l *FailedTxLog) List() ([]FailedTx, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAll()
}

// RetryFailed replays stored intents no older than maxAge through send.
// Succeeding entries are removed; failing and too-old ones are kept with
// updated retry metadata. It returns how many entries were settled.
//
// The lock is not held while send runs, so live settlement can keep
// appending; entries stored during the replay are merged into the rewrite
// rather than lost.
func (l *FailedTxLog) RetryFailed(ctx context.Context, maxAge time.Duration, send func(context.Context, Tx) error) (int, error) {
	l.mu.Lock()
	entries, err := l.readAll()
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	snapshot := make(map[string]bool, len(entries))
	for _, e := range entries {
		snapshot[e.ID] = true
	}

	now := time.Now().UTC()
	var kept []FailedTx
	settled := 0
	for _, e := range entries {
		if maxAge > 0 && now.Sub(e.StoredAt) > maxAge {
			kept = append(kept, e)
			continue
		}
		tx := Tx{To: e.To, Data: []byte(e.Data), Label: e.Label}
		if err := send(ctx, tx); err != nil {
			e.Error = err.Error()
			e.Attempts++
			e.LastRetry = now
			kept = append(kept, e)
			continue
		}
		settled++
		l.log.Info().Str("id", e.ID).Str("label", e.Label).Msg("stored transaction settled on retry")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.readAll()
	if err != nil {
		return settled, err
	}
	for _, e := range current {
		if !snapshot[e.ID] {
			kept = append(kept, e)
		}
	}
	return settled, l.writeAll(kept)
}

// CleanupExpired drops entries older than maxAge and reports how many.
func (l *FailedTxLog) CleanupExpired(maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.readAll()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	var kept []FailedTx
	for _, e := range entries {
		if e.StoredAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	return removed, l.writeAll(kept)
}

// readAll parses the JSON-lines file; a missing file means no entries.
// Malformed lines are skipped rather than poisoning the whole log.
func (l *FailedTxLog) readAll() ([]FailedTx, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: open failed-tx log: %w", err)
	}
	defer f.Close()

	var out []FailedTx
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e FailedTx
		if err := json.Unmarshal(line, &e); err != nil {
			l.log.Warn().Err(err).Msg("skipping malformed failed-tx entry")
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// writeAll rewrites the file atomically with the given entries.
func (l *FailedTxLog) writeAll(entries []FailedTx) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("chain: write failed-tx log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
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
	return os.Rename(tmp, l.path)
}
