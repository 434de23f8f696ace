package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigRetryDelays(t *testing.T) {
	c := defaultConfig()
	require.Equal(t, []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second, 30 * time.Second, 30 * time.Second,
	}, c.retryDelays())
	require.Equal(t, time.Second, c.backwardDelay())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ndgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reconnectDelaysSec: [1, 2]\nbackwardPageSize: 25\n"), 0o644))

	c, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.retryDelays())
	require.Equal(t, 25, c.BackwardPageSize)
	require.Equal(t, "text", c.OutputFormat) // untouched fields keep defaultConfig's values
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
