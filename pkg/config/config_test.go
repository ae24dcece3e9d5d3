package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/enclavedb/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestValidateRejectsZeroShards(t *testing.T) {
	cfg := config.Default()
	cfg.NumShards = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBoltStoreWithoutDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "bolt"
	require.Error(t, cfg.Validate())
	cfg.DataDir = "/tmp/enclavedb"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store = "s3"
	require.Error(t, cfg.Validate())
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enclave.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_shards: 7\nuid: custom\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint16(7), cfg.NumShards)
	require.Equal(t, "custom", cfg.UID)
	require.Equal(t, config.Default().SecondaryBuckets, cfg.SecondaryBuckets)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
