package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/events"
)

type fakeSettler struct {
	mu            sync.Mutex
	checkpointErr []error // consumed one per SubmitCheckpoint
	completeErr   error
	checkpoints   []uint64
	completed     []uint64 // totalTokens per CompleteSessionJob
}

func (f *fakeSettler) SubmitCheckpoint(_ context.Context, _ *big.Int, index, _ uint64, _ []byte) (*SettleReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checkpointErr) > 0 {
		err := f.checkpointErr[0]
		f.checkpointErr = f.checkpointErr[1:]
		if err != nil {
			return nil, err
		}
	}
	f.checkpoints = append(f.checkpoints, index)
	return &SettleReceipt{TxHash: fmt.Sprintf("0xcp%d", index), BlockNumber: big.NewInt(100)}, nil
}

func (f *fakeSettler) CompleteSessionJob(_ context.Context, _ *big.Int, totalTokens uint64) (*SettleReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = append(f.completed, totalTokens)
	return &SettleReceipt{TxHash: "0xfinal", BlockNumber: big.NewInt(101)}, nil
}

func jsonLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func drainEvents(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfType(all []events.Event, t string) []events.Event {
	var out []events.Event
	for _, ev := range all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, settler Settler) (*Engine, chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	ch := bus.Subscribe()
	e := New(cfg, func(sid string, idx uint64) []byte {
		return []byte(fmt.Sprintf("proof-%s-%d", sid, idx))
	}, settler, nil, bus, zerolog.Nop())
	return e, ch
}

func TestCheckpointEmission(t *testing.T) {
	e, ch := newTestEngine(t, Config{Threshold: 100}, nil)

	e.AddTokens("s1", 60)
	e.AddTokens("s1", 90)
	e.AddTokens("s1", 100)

	all := drainEvents(ch)
	reached := eventsOfType(all, EventCheckpointReached)
	require.Len(t, reached, 2)

	first := reached[0].Data.(CheckpointReached)
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, uint64(1), first.Index)
	assert.Equal(t, uint64(150), first.Total)

	second := reached[1].Data.(CheckpointReached)
	assert.Equal(t, uint64(2), second.Index)
	assert.Equal(t, uint64(250), second.Total)

	pending := e.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].Index)
	assert.Equal(t, uint64(100), pending[0].TokensClaimed)
	assert.Equal(t, uint64(2), pending[1].Index)

	progress := eventsOfType(all, EventTokenProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, uint64(50), progress[2].Data.(TokenProgress).Remaining)
}

func TestCheckpointMonotonicity(t *testing.T) {
	e, _ := newTestEngine(t, Config{Threshold: 100}, nil)

	additions := []uint64{7, 0, 93, 250, 1, 49, 100}
	var total uint64
	for _, n := range additions {
		e.AddTokens("mono", n)
		total += n
		sessions := e.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, total/100, sessions[0].CheckpointsEmitted,
			"emitted must equal floor(tokens/threshold) after every event")
	}
}

func TestApproachingWarning(t *testing.T) {
	e, ch := newTestEngine(t, Config{Threshold: 100}, nil)

	e.AddTokens("s2", 92)

	all := drainEvents(ch)
	assert.Empty(t, eventsOfType(all, EventCheckpointReached))
	approaching := eventsOfType(all, EventCheckpointApproaching)
	require.Len(t, approaching, 1)
	data := approaching[0].Data.(CheckpointApproaching)
	assert.Equal(t, uint64(92), data.Total)
	assert.Equal(t, uint64(8), data.TokensUntil)
}

func TestZeroTokensEmitsProgress(t *testing.T) {
	e, ch := newTestEngine(t, Config{Threshold: 100}, nil)
	e.AddTokens("s0", 0)

	all := drainEvents(ch)
	require.Len(t, eventsOfType(all, EventTokenProgress), 1)
	assert.Empty(t, eventsOfType(all, EventCheckpointReached))
}

func TestMarkProcessedIdempotent(t *testing.T) {
	e, ch := newTestEngine(t, Config{Threshold: 100}, nil)
	e.AddTokens("s1", 150)
	drainEvents(ch)

	e.MarkCheckpointProcessed("s1", 1)
	e.MarkCheckpointProcessed("s1", 1)

	processed := eventsOfType(drainEvents(ch), EventCheckpointProcessed)
	require.Len(t, processed, 1)
	assert.Equal(t, uint64(1), e.Stats().Processed)
	assert.Empty(t, e.Pending())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	e, ch := newTestEngine(t, Config{Threshold: 10, MaxQueueSize: 3}, nil)

	e.AddTokens("s1", 50) // checkpoints 1..5; queue bound 3

	all := drainEvents(ch)
	dropped := eventsOfType(all, EventCheckpointDropped)
	require.Len(t, dropped, 2)
	assert.Equal(t, uint64(1), dropped[0].Data.(CheckpointDropped).Index)
	assert.Equal(t, uint64(2), dropped[1].Data.(CheckpointDropped).Index)

	pending := e.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(3), pending[0].Index)
	assert.Equal(t, uint64(5), pending[2].Index)
}

func TestThresholdChangeAffectsOnlyFuture(t *testing.T) {
	e, _ := newTestEngine(t, Config{Threshold: 100}, nil)
	e.AddTokens("s1", 250) // checkpoints 1, 2

	e.SetThreshold(50)
	e.AddTokens("s1", 50) // total 300, floor(300/50)=6

	sessions := e.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(6), sessions[0].CheckpointsEmitted)
}

func TestSettlementOnDisconnect(t *testing.T) {
	settler := &fakeSettler{}
	e, ch := newTestEngine(t, Config{Threshold: 100}, settler)
	e.StartSession("s3", "42", "llama:7b", 84532)

	e.AddTokens("s3", 257)
	e.drain(context.Background())
	require.Equal(t, []uint64{1, 2}, settler.checkpoints)

	err := e.OnSessionEnd(context.Background(), "s3")
	require.NoError(t, err)
	require.Equal(t, []uint64{257}, settler.completed)

	all := drainEvents(ch)
	settled := eventsOfType(all, EventSessionSettled)
	require.Len(t, settled, 1)
	data := settled[0].Data.(SessionSettled)
	assert.Equal(t, "42", data.JobID)
	assert.Equal(t, uint64(257), data.TotalTokens)
	assert.Equal(t, "0xfinal", data.TxHash)

	assert.Empty(t, e.Sessions())
	assert.Empty(t, e.Pending())
}

func TestSettlementFailureSurfaced(t *testing.T) {
	settler := &fakeSettler{completeErr: errors.New("econnrefused")}
	e, ch := newTestEngine(t, Config{Threshold: 100}, settler)
	e.StartSession("s4", "7", "", 0)
	e.AddTokens("s4", 40)

	err := e.OnSessionEnd(context.Background(), "s4")
	require.Error(t, err)

	all := drainEvents(ch)
	assert.Empty(t, eventsOfType(all, EventSessionSettled))
	ended := eventsOfType(all, EventSessionEnded)
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Data.(SessionEnded).Settled)
}

func TestDrainDefersOnOpenCircuit(t *testing.T) {
	settler := &fakeSettler{checkpointErr: []error{chain.ErrCircuitOpen}}
	e, _ := newTestEngine(t, Config{Threshold: 100}, settler)
	e.AddTokens("s1", 100)

	e.drain(context.Background())

	// Checkpoint stays queued without consuming an attempt.
	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].Attempts)
}

func TestCheckpointExhaustion(t *testing.T) {
	settler := &fakeSettler{checkpointErr: []error{
		errors.New("econnrefused"), errors.New("econnrefused"), errors.New("econnrefused"),
	}}
	e, ch := newTestEngine(t, Config{Threshold: 100}, settler)
	e.AddTokens("s1", 100)

	e.drain(context.Background())

	all := drainEvents(ch)
	exhausted := eventsOfType(all, EventCheckpointExhausted)
	require.Len(t, exhausted, 1)
	assert.Equal(t, uint64(1), exhausted[0].Data.(CheckpointExhausted).Index)
	assert.Empty(t, e.Pending())
	assert.Equal(t, uint64(1), e.Stats().Exhausted)
}

// markingSettler marks the in-flight checkpoint processed before returning,
// the way a fast confirmation handler can race the drain loop.
type markingSettler struct {
	fakeSettler
	engine    *Engine
	sessionID string
}

func (m *markingSettler) SubmitCheckpoint(ctx context.Context, jobID *big.Int, index, tokens uint64, proof []byte) (*SettleReceipt, error) {
	m.engine.MarkCheckpointProcessed(m.sessionID, index)
	return m.fakeSettler.SubmitCheckpoint(ctx, jobID, index, tokens, proof)
}

func TestDrainSurvivesConcurrentProcessedMark(t *testing.T) {
	t.Run("queue emptied mid-submit", func(t *testing.T) {
		m := &markingSettler{sessionID: "s1"}
		e, ch := newTestEngine(t, Config{Threshold: 100}, m)
		m.engine = e
		e.AddTokens("s1", 100)

		e.drain(context.Background())

		assert.Empty(t, e.Pending())
		assert.Equal(t, []uint64{1}, m.checkpoints)
		processed := eventsOfType(drainEvents(ch), EventCheckpointProcessed)
		assert.Len(t, processed, 1)
		assert.Equal(t, uint64(1), e.Stats().Processed)
	})

	t.Run("later checkpoint not discarded", func(t *testing.T) {
		m := &markingSettler{sessionID: "s1"}
		e, ch := newTestEngine(t, Config{Threshold: 100}, m)
		m.engine = e
		e.AddTokens("s1", 200) // checkpoints 1 and 2

		e.drain(context.Background())

		assert.Empty(t, e.Pending())
		assert.Equal(t, []uint64{1, 2}, m.checkpoints)
		all := drainEvents(ch)
		processed := eventsOfType(all, EventCheckpointProcessed)
		assert.Len(t, processed, 2)
		assert.Empty(t, eventsOfType(all, EventCheckpointDropped))
		assert.Empty(t, eventsOfType(all, EventCheckpointExhausted))
		assert.Equal(t, uint64(2), e.Stats().Processed)
	})
}

func TestResetSessionPurgesQueue(t *testing.T) {
	e, _ := newTestEngine(t, Config{Threshold: 100}, nil)
	e.AddTokens("a", 250)
	e.AddTokens("b", 100)
	require.Len(t, e.Pending(), 3)

	e.ResetSession("a")

	pending := e.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].SessionID)
	assert.Len(t, e.Sessions(), 1)
}

func TestSerializeRoundtrip(t *testing.T) {
	e, _ := newTestEngine(t, Config{Threshold: 100}, nil)
	e.StartSession("s1", "9", "llama:7b", 84532)
	e.AddTokens("s1", 230)
	e.MarkCheckpointProcessed("s1", 1)

	snap, err := e.Serialize()
	require.NoError(t, err)

	restored, _ := newTestEngine(t, Config{}, nil)
	require.NoError(t, restored.Deserialize(snap))

	assert.Equal(t, uint64(100), restored.Threshold())
	sessions := restored.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, uint64(230), sessions[0].Tokens)
	assert.Equal(t, uint64(2), sessions[0].CheckpointsEmitted)
	assert.True(t, sessions[0].ProcessedCheckpoints[1])

	pending := restored.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(2), pending[0].Index)

	again, err := restored.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, string(snap), string(again))
}

func TestStats(t *testing.T) {
	e, _ := newTestEngine(t, Config{Threshold: 100}, nil)
	e.AddTokens("a", 150)
	e.AddTokens("b", 260)

	st := e.Stats()
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, uint64(410), st.TotalTokens)
	assert.Equal(t, uint64(3), st.CheckpointsReached)
	assert.Equal(t, 3, st.Pending)
	assert.Equal(t, uint64(136), st.AvgTokensPerCP)
}

func TestProofHistoryPersistence(t *testing.T) {
	dir := t.TempDir()
	h, err := NewProofHistory(dir, zerolog.Nop())
	require.NoError(t, err)

	h.Record("s1", "42", 1, 100, []byte{0xde, 0xad}, StatusConfirmed, "0xabc", big.NewInt(100), 42_000, "")
	h.Record("s1", "42", 2, 200, nil, StatusFailed, "", nil, 0, "econnrefused")
	require.NoError(t, h.Flush())

	raw, err := os.ReadFile(filepath.Join(dir, historyFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `{"type":"BigInt","value":"100"}`)

	// Reload and re-save: file must be unchanged.
	h2, err := NewProofHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	entries := h2.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StatusConfirmed, entries[0].Status)
	assert.Equal(t, "100", entries[0].TokensClaimed.String())
	assert.Equal(t, "dead", entries[0].Proof)
	assert.Equal(t, StatusFailed, entries[1].Status)

	h2.Record("s1", "42", 1, 100, []byte{0xde, 0xad}, StatusConfirmed, "0xabc", big.NewInt(100), 42_000, "")
	require.NoError(t, h2.Flush())
	raw2, err := os.ReadFile(filepath.Join(dir, historyFileName))
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(raw2))
}

func TestProofHistoryReconcile(t *testing.T) {
	dir := t.TempDir()
	stale := HistoryEntry{
		SessionID: "s1", JobID: "1", Index: 1,
		Status:    StatusPending,
		Timestamp: time.Now().UTC().Add(-10 * time.Minute),
	}
	line, err := jsonLine(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, historyFileName), line, 0o600))

	h, err := NewProofHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusFailed, entries[0].Status)
}

func TestProofHistoryCSVExport(t *testing.T) {
	dir := t.TempDir()
	h, err := NewProofHistory(dir, zerolog.Nop())
	require.NoError(t, err)
	h.Record("s1", "42", 1, 100, nil, StatusConfirmed, "0xabc", big.NewInt(100), 42_000, "")

	var sb strings.Builder
	require.NoError(t, h.ExportCSV(&sb))
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "checkpoint_index")
	assert.Contains(t, lines[1], "s1,42,1,100,0xabc,100,42000,confirmed")
}
