package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4242", cfg.Advertise)
	assert.Equal(t, []RaftPeer{{ID: 1, Address: "127.0.0.1:4242"}}, cfg.RaftPeers)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
listen: 0.0.0.0:5000
advertise: 10.0.0.7:5000
store: sqlite
probeInterval: 250ms
raftID: 2
raftPeers:
  - id: 1
    address: 10.0.0.6:5000
  - id: 2
    address: 10.0.0.7:5000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:5000", cfg.Advertise)
	assert.Equal(t, "sqlite", cfg.Store)
	assert.Equal(t, 250*time.Millisecond, cfg.ProbeInterval)
	assert.Equal(t, time.Second, cfg.ReportInterval)
	assert.Len(t, cfg.RaftPeers, 2)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.RaftPeers = []RaftPeer{{ID: 1, Address: cfg.Listen}}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Store = "floppy"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RaftID = 7
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.ProbeInterval = 0
	assert.Error(t, bad.Validate())
}
