package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openBridge(t *testing.T) *bridge {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "account:\n  owner: \"shop\"\nlocal:\n  data_dir: \"" + filepath.Join(dir, "data") + "\"\nremote:\n  driver: \"memory\"\nlog:\n  level: \"error\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b := &bridge{}
	require.NoError(t, b.open(path))
	t.Cleanup(b.close)
	return b
}

func TestBridge_NotInitialized(t *testing.T) {
	b := &bridge{}
	_, err := b.health()
	assert.Error(t, err)
	assert.Error(t, b.activity())
}

func TestBridge_EnqueueQueryGet(t *testing.T) {
	b := openBridge(t)

	out, err := b.enqueue(`{"type":"create","collection":"items","id":"p1","payload":{"stock":3}}`)
	require.NoError(t, err)
	var res struct {
		CommitID string `json:"commitId"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.NotEmpty(t, res.CommitID)

	out, err = b.query(`{"collection":"items"}`)
	require.NoError(t, err)
	var list struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, 1, list.Total)

	out, err = b.get("items", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, `"stock":3`)

	require.NoError(t, b.activity())
	_, err = b.health()
	require.NoError(t, err)
}

func TestBridge_RejectsBadInput(t *testing.T) {
	b := openBridge(t)

	_, err := b.enqueue(`not json`)
	assert.Error(t, err)
	_, err = b.enqueue(`{"type":"update","collection":"items","id":"missing"}`)
	assert.Error(t, err)
	_, err = b.get("items", "missing")
	assert.Error(t, err)
}
