package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8340", cfg.Listen)
	assert.Equal(t, int64(1), cfg.Session.DefaultRoleID)
	assert.Equal(t, 15*time.Second, cfg.DirectoryTimeout())
	assert.Equal(t, 5*time.Minute, cfg.ProjectCacheTTL())
	assert.Equal(t, filepath.Join(".chatcore", "chatcore.db"), filepath.Clean(cfg.DatabasePath()))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatcore.yaml")
	data := `
listen: "0.0.0.0:9000"
data_dir: /var/lib/chatcore
directory:
  base_url: http://directory:8600
  timeout: 30s
session:
  default_role_id: 7
  wait_ready_timeout: 2s
logging:
  debug: true
  categories:
    sync: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "http://directory:8600", cfg.Directory.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.DirectoryTimeout())
	assert.Equal(t, int64(7), cfg.Session.DefaultRoleID)
	assert.Equal(t, 2*time.Second, cfg.WaitReadyTimeout())
	assert.True(t, cfg.Logging.Debug)
	assert.True(t, cfg.Logging.Categories["sync"])

	// Unset fields keep their defaults.
	assert.Equal(t, "http://127.0.0.1:8610", cfg.Auth.BaseURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATCORE_LISTEN", "127.0.0.1:9999")
	t.Setenv("CHATCORE_DIRECTORY_URL", "http://override:1234")
	t.Setenv("CHATCORE_DEFAULT_ROLE", "42")
	t.Setenv("CHATCORE_DEBUG", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.Equal(t, "http://override:1234", cfg.Directory.BaseURL)
	assert.Equal(t, int64(42), cfg.Session.DefaultRoleID)
	assert.True(t, cfg.Logging.Debug)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.WaitReadyTimeout = "not-a-duration"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())
}

func TestParseDurationOrFallsBack(t *testing.T) {
	assert.Equal(t, time.Minute, parseDurationOr("", time.Minute))
	assert.Equal(t, time.Minute, parseDurationOr("garbage", time.Minute))
	assert.Equal(t, 3*time.Second, parseDurationOr("3s", time.Minute))
}
