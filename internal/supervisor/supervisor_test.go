package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestMarkerTrackerAnyOrder(t *testing.T) {
	m := newMarkerTracker()
	assert.False(t, m.Observe("starting up"))
	assert.False(t, m.Observe("[info] API server started on :8080"))
	assert.False(t, m.Observe("[info] Model loaded successfully in 4.2s"))
	assert.False(t, m.Observe("[info] P2P node started, peer id 12D3"))
	assert.True(t, m.Observe("[info] Fabstir LLM Node is running"))
	// Once ready, stays ready.
	assert.True(t, m.Observe("anything"))
}

func TestMarkerTrackerReadyRequiresAllComponents(t *testing.T) {
	m := newMarkerTracker()
	m.Observe("Model loaded successfully")
	assert.False(t, m.Observe("Fabstir LLM Node is running"),
		"ready marker before all component markers must not complete startup")
	missing := m.Missing()
	assert.Contains(t, strings.Join(missing, ","), "P2P node started")
	assert.Contains(t, strings.Join(missing, ","), "API server started")
}

func TestLogRingBounds(t *testing.T) {
	ring := NewLogRing(3)
	for i := 1; i <= 5; i++ {
		ring.Append("stdout", fmt.Sprintf("line %d", i))
	}
	last := ring.Last(0)
	require.Len(t, last, 3)
	assert.Equal(t, "line 3", last[0].Text)
	assert.Equal(t, "line 5", last[2].Text)

	last2 := ring.Last(2)
	require.Len(t, last2, 2)
	assert.Equal(t, "line 4", last2[0].Text)
}

func TestLogRingPartial(t *testing.T) {
	ring := NewLogRing(10)
	ring.Append("stdout", "only")
	last := ring.Last(5)
	require.Len(t, last, 1)
	assert.Equal(t, "only", last[0].Text)
	assert.Equal(t, "stdout", last[0].Stream)
}

func TestLogRingFollow(t *testing.T) {
	ring := NewLogRing(10)
	ch := ring.Follow()
	ring.Append("stderr", "hello")
	line := <-ch
	assert.Equal(t, "hello", line.Text)
	ring.Unfollow(ch)
	_, open := <-ch
	assert.False(t, open)
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv(SpawnConfig{
		APIPort:     8083,
		P2PPort:     9000,
		ModelPath:   "/models/llama.gguf",
		ChainID:     84532,
		PrivateKey:  "aa",
		RPCURL:      "https://sepolia.base.org",
		Contracts:   map[string]string{"PROOF_SYSTEM": "0x1234"},
		CudaDevices: "0",
		LogLevel:    "info",
	})
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "API_PORT=8083")
	assert.Contains(t, joined, "P2P_PORT=9000")
	assert.Contains(t, joined, "MODEL_PATH=/models/llama.gguf")
	assert.Contains(t, joined, "CHAIN_ID=84532")
	assert.Contains(t, joined, "CONTRACT_PROOF_SYSTEM=0x1234")
	assert.Contains(t, joined, "RUST_LOG=info")
	assert.Contains(t, joined, "CUDA_VISIBLE_DEVICES=0")
}

func TestResolveBinaryNotFound(t *testing.T) {
	_, err := resolveBinary("definitely-not-a-real-binary-name")
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestResolveBinaryAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-node")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	resolved, err := resolveBinary(path)
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	_, err = resolveBinary(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestCheckPIDFileStale(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "host.pid")
	// A PID far above any live process on a test machine.
	require.NoError(t, os.WriteFile(pidFile, []byte("999999999\n"), 0o644))

	s := New(Options{PIDFile: pidFile}, nil, nil, testLogger())
	require.NoError(t, s.checkPIDFile())
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "stale pid file should be removed")
}

func TestCheckPIDFileLiveConflict(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "host.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

	s := New(Options{PIDFile: pidFile}, nil, nil, testLogger())
	err := s.checkPIDFile()
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestInfoStoppedWithoutHandle(t *testing.T) {
	s := New(Options{}, nil, nil, testLogger())
	info := s.Info(nil)
	assert.Equal(t, StatusStopped, info.Status)
	assert.Zero(t, info.PID)
}
