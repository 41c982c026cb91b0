package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	assert.Equal(t, "key=[REDACTED]", Redact("key="+key))
	assert.Equal(t, "key=[REDACTED]", Redact("key="+key[2:]))

	// Short hex and addresses pass through.
	assert.Equal(t, "0xdeadbeef", Redact("0xdeadbeef"))
	assert.Equal(t, "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
		Redact("0x742d35Cc6634C0532925a3b844Bc454e4438f44e"))
}

func TestSanitizingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := Sanitize(&buf)

	line := []byte(`{"msg":"spawn","HOST_PRIVATE_KEY":"4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"}`)
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.NotContains(t, buf.String(), "4c0883a69102937d")
}

func TestFactoryWritesComponentFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := Setup(Options{Dir: dir, Level: "debug"})
	require.NoError(t, err)
	defer f.Close()

	log := f.Component("supervisor")
	log.Info().Str("pid", "1234").Msg("child started")
	log.Error().Msg("child crashed")

	combined, err := os.ReadFile(filepath.Join(dir, "combined.log"))
	require.NoError(t, err)
	assert.Contains(t, string(combined), "child started")
	assert.Contains(t, string(combined), "child crashed")

	perComponent, err := os.ReadFile(filepath.Join(dir, "supervisor.log"))
	require.NoError(t, err)
	assert.Contains(t, string(perComponent), "child started")

	errLog, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(errLog), "child started")
	assert.Contains(t, string(errLog), "child crashed")
}
