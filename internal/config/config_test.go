package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexBischof/mewbase/internal/config"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.LogsDir)
	assert.False(t, cfg.AuthEnabled)
	assert.Greater(t, cfg.MaxLogChunkSize, int64(0))
	assert.Greater(t, cfg.InitialCredit, int64(0))
	assert.NotEmpty(t, cfg.ListenAddr)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mewbased.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"logsDir: /var/lib/mewbase\n"+
			"maxLogChunkSize: 1048576\n"+
			"listenAddr: 127.0.0.1:9191\n"+
			"authEnabled: true\n",
	), 0o644))

	cfg, err := config.Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mewbase", cfg.LogsDir)
	assert.Equal(t, int64(1048576), cfg.MaxLogChunkSize)
	assert.Equal(t, "127.0.0.1:9191", cfg.ListenAddr)
	assert.True(t, cfg.AuthEnabled)
}

func TestLoadRejectsNonPositiveChunkSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mewbased.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxLogChunkSize: 0\n"), 0o644))

	_, err := config.Load(viper.New(), path)
	assert.Error(t, err)
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("MEWBASE_LOGSDIR", "/tmp/from-env")
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env", cfg.LogsDir)
}
