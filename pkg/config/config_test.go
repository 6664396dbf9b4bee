package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	err := os.WriteFile(path, []byte(`
nodeId: manager-7
dataDir: /var/lib/burrow
executor:
  workers: 8
  phaseTimeout: 3s
  conflictPolicy: reject
fanout:
  nodeTimeout: 750ms
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "manager-7", cfg.NodeID)
	assert.Equal(t, "/var/lib/burrow", cfg.DataDir)
	assert.Equal(t, 8, cfg.Executor.Workers)
	assert.Equal(t, 3*time.Second, cfg.Executor.PhaseTimeout)
	assert.Equal(t, "reject", cfg.Executor.ConflictPolicy)
	assert.Equal(t, 750*time.Millisecond, cfg.Fanout.NodeTimeout)

	// untouched fields keep their defaults
	assert.Equal(t, 3, cfg.Executor.MaxPhaseRetries)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("executor:\n  workers: 0\n  conflictPolicy: lifo\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor.workers")
	assert.Contains(t, err.Error(), "conflictPolicy")
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
