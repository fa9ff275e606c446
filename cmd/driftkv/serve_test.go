package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftkv/internal/errs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftkv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resetServeFlags(t *testing.T) {
	t.Helper()
	viper.Reset()
	initEnv()
	t.Cleanup(func() {
		for _, f := range serveFlags {
			fl := serveCmd.Flags().Lookup(flagName(f.key))
			fl.Value.Set("")
			fl.Changed = false
		}
		viper.Reset()
	})
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	resetServeFlags(t)
	path := writeConfig(t, "listen_addr: 127.0.0.1:7000\nsync_timeout: 20s\nstorage: memory\n")

	t.Setenv("DRIFTKV_SYNC_TIMEOUT", "5s")
	t.Setenv("DRIFTKV_SEED_NODES", "10.0.0.1:16379,10.0.0.2:16379")
	require.NoError(t, serveCmd.Flags().Set("config", path))
	require.NoError(t, serveCmd.Flags().Set("fabric-addr", "127.0.0.1:7001"))

	cfg, err := loadConfig(serveCmd)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:7001", cfg.FabricAddr)
	assert.Equal(t, 5*time.Second, cfg.SyncTimeout)
	assert.Equal(t, []string{"10.0.0.1:16379", "10.0.0.2:16379"}, cfg.SeedNodes)
	assert.Equal(t, "memory", cfg.Storage)
}

func TestLoadConfig_Invalid(t *testing.T) {
	resetServeFlags(t)
	path := writeConfig(t, "request_timeout: soon\n")
	require.NoError(t, serveCmd.Flags().Set("config", path))

	_, err := loadConfig(serveCmd)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	resetServeFlags(t)
	path := writeConfig(t, "storage: memory\n")
	require.NoError(t, serveCmd.Flags().Set("config", path))
	t.Setenv("DRIFTKV_CONSISTENCY_READ", "most")

	_, err := loadConfig(serveCmd)
	assert.ErrorIs(t, err, errs.ErrConfigInvalid)
}
