package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("GENERATION_PROVIDER", "mock")
	t.Setenv("DB_PATH", filepath.Join(t.TempDir(), "desk.db"))
}

func TestWipeRequiresConfirmation(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "wipe")
	require.Error(t, err)

	out, err := run(t, "wipe", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "wiped; new session")
}

func TestOfflineCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "offline", "reindex")
	require.NoError(t, err)
	assert.Contains(t, out, "0 offline artifacts indexed")

	out, err = run(t, "offline", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "TOPIC")
}
