package imager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"allowed_ips": ["10.10.200.75", "10.10.200.0/24"],
		"shared_secret": "openseastack-netboot-2024",
		"port": 8888
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"10.10.200.75", "10.10.200.0/24"}, cfg.AllowedIPs)
	assert.Equal(t, "openseastack-netboot-2024", cfg.SharedSecret)
	assert.Equal(t, 8888, cfg.Port)

	// Defaults for fields the bootstrap config does not carry.
	assert.Contains(t, cfg.AllowedDevices, "/dev/mmcblk0")
	assert.False(t, cfg.AllowFileTargets)
	assert.Equal(t, 30*time.Second, cfg.StallTimeout())
}

func TestLoadConfigRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 8888}`), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		AllowedIPs:          []string{"10.0.0.1"},
		SharedSecret:        "s",
		Port:                8888,
		AllowedDevices:      []string{"/dev/sda"},
		StallTimeoutSeconds: 30,
	}
	require.NoError(t, valid.Validate())

	bad := valid
	bad.Port = 70000
	assert.Error(t, bad.Validate())

	bad = valid
	bad.AllowedDevices = nil
	assert.Error(t, bad.Validate())

	bad = valid
	bad.StallTimeoutSeconds = 0
	assert.Error(t, bad.Validate())
}
