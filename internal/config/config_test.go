package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.EventLog.Shards)
	assert.Equal(t, 1536, cfg.Embedding.Dim)
	assert.Equal(t, "local", cfg.Embedding.Provider)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().EventLog.Shards, cfg.EventLog.Shards)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.DBPath = "custom.db"
	cfg.Retrieval.DefaultLimit = 25
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.db", loaded.DBPath)
	assert.Equal(t, 25, loaded.Retrieval.DefaultLimit)
}

func TestValidateRejectsNonPowerOfTwoShards(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventLog.Shards = 10
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOverbudgetAssemblerPercentages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assembler.ReservePercent = 50
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownEmbeddingProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Provider = "bogus"
	assert.Error(t, cfg.Validate())
}
