package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/medshare/pkg/address"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, address.DefaultProgramID.String(), c.ProgramID)
	assert.Equal(t, "shared", c.SignerMode)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "medshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /var/lib/medshare
signerMode: per-request
pollInterval: 2s
workers: 3
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/medshare", c.DataDir)
	assert.Equal(t, "per-request", c.SignerMode)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.Equal(t, 3, c.Workers)
	assert.Equal(t, DefaultCircuitURL, c.CircuitURL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "medshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clusterUrl: x\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSignerModeKeyIsCamelCase(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "medshare.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signer_mode: per-request\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
