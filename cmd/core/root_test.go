package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stocksync/backend/internal/crypto"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
account:
  owner: "shop"
  tier: "active"
local:
  data_dir: "` + filepath.Join(dir, "data") + `"
remote:
  driver: "memory"
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "stocksync", cmd.Use)
	assert.Equal(t, Version, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"migrate", "status", "drain", "pull", "compact", "conflicts", "run", "seal"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "status", "--format", "yaml", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfig(t *testing.T) {
	_, err := execute(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate_JSON(t *testing.T) {
	out, err := execute(t, "migrate", "--format", "json", "--config", writeConfig(t))
	require.NoError(t, err)

	var res struct {
		Applied int   `json:"applied"`
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Greater(t, res.Applied, 0)
	assert.Greater(t, res.Version, int64(0))
}

func TestStatus_Text(t *testing.T) {
	out, err := execute(t, "status", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Owner:")
	assert.Contains(t, out, "shop")
	assert.Contains(t, out, "Pending:")
}

func TestStatus_JSON(t *testing.T) {
	out, err := execute(t, "status", "--format", "json", "--config", writeConfig(t))
	require.NoError(t, err)

	var res struct {
		Health struct {
			Owner        string `json:"owner"`
			PendingCount int    `json:"pendingCount"`
		} `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "shop", res.Health.Owner)
	assert.Equal(t, 0, res.Health.PendingCount)
}

func TestDrainPullCompact_JSON(t *testing.T) {
	path := writeConfig(t)
	for _, name := range []string{"drain", "pull", "compact", "conflicts"} {
		t.Run(name, func(t *testing.T) {
			out, err := execute(t, name, "--format", "json", "--config", path)
			require.NoError(t, err)
			assert.True(t, json.Valid([]byte(out)), "output should be JSON: %s", out)
		})
	}
}

func TestSeal_JSON(t *testing.T) {
	out, err := execute(t, "seal", "s3-secret", "--secret-key", "k1", "--format", "json")
	require.NoError(t, err)

	var res struct {
		Sealed string `json:"sealed"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, crypto.IsSealed(res.Sealed))

	plain, err := crypto.Reveal(res.Sealed, "k1")
	require.NoError(t, err)
	assert.Equal(t, "s3-secret", plain)
}

func TestSeal_RequiresValue(t *testing.T) {
	_, err := execute(t, "seal")
	require.Error(t, err)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	wrapped := WrapExitError(ExitFailure, "drain", assert.AnError)
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, assert.AnError)
}
