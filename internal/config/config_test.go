package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/open-edge-platform/cms-agent/internal/config"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

func writeConfigFile(t *testing.T, s config.Settings) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data, err := yaml.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestNewRejectsMissingPath(t *testing.T) {
	_, err := config.New("")
	require.Error(t, err)
}

func TestNewRejectsMissingServerURL(t *testing.T) {
	path := writeConfigFile(t, config.Settings{DataRoot: t.TempDir()})
	_, err := config.New(path)
	require.Error(t, err)
}

func TestNewRejectsInsecureScheme(t *testing.T) {
	path := writeConfigFile(t, config.Settings{
		ServerBaseURL: "http://control-plane.example.com",
		DataRoot:      t.TempDir(),
	})
	_, err := config.New(path)
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, config.Settings{
		ServerBaseURL: "https://control-plane.example.com",
		DataRoot:      t.TempDir(),
	})
	s, err := config.New(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, s.StatusReportInterval)
	assert.Equal(t, 5, s.NetworkRetryMaxAttempts)
	assert.Equal(t, 4, s.CommandMaxParallel)
	assert.Equal(t, 256, s.CommandQueueMaxSize)
	assert.Equal(t, 300*time.Second, s.WSReconnectDelayMax)
}

func TestLoadRuntimeMissingReturnsNil(t *testing.T) {
	id, err := config.LoadRuntime(filepath.Join(t.TempDir(), "identity"))
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestSaveAndLoadRuntimeRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_config", "identity")
	id := &types.RuntimeIdentity{
		AgentID:        "agent-123",
		Location:       types.Location{Room: "lab-1", X: 1.5, Y: 2.5},
		EncryptedToken: []byte{0x01, 0x02, 0x03},
	}

	require.NoError(t, config.SaveRuntime(path, id))

	loaded, err := config.LoadRuntime(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, id.AgentID, loaded.AgentID)
	assert.Equal(t, id.Location, loaded.Location)
	assert.Equal(t, id.EncryptedToken, loaded.EncryptedToken)
}

func TestSaveRuntimeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime_config", "identity")
	id := &types.RuntimeIdentity{AgentID: "agent-xyz"}

	require.NoError(t, config.SaveRuntime(path, id))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	loaded, err := config.LoadRuntime(path)
	require.NoError(t, err)
	require.NoError(t, config.SaveRuntime(path, loaded))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
