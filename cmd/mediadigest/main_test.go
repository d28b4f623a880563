package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediadigest/internal/model"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"PLEX_TOKEN", "SONARR_API_KEY", "GITHUB_TOKEN"} {
		t.Setenv(k, "")
	}
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunWithoutCredentialsFails(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "--config", cfgPath, "run", "--json")
	require.Error(t, err)

	var res model.SyncResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not configured")

	_, statErr := os.Stat(cfgPath)
	assert.NoError(t, statErr, "first run writes the default config")
}

func TestTestCommandReportsEachService(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.toml")

	out, err := execute(t, "--config", cfgPath, "test")
	require.Error(t, err)
	assert.Contains(t, out, "plex     FAILED: plex: not configured: url is empty")
	assert.Contains(t, out, "sonarr   FAILED: sonarr: not configured: url is empty")
	assert.NotContains(t, out, "github")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("timezone: Mars/Olympus\n"), 0o600))

	_, err := execute(t, "--config", cfgPath, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}
