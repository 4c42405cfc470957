package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("FITCHECK_ADDR=:9999\nFITCHECK_AD_DURATION=2s\nGEMINI_API_KEY=k\n"), 0o600))
	for _, k := range []string{"FITCHECK_ADDR", "FITCHECK_AD_DURATION", "GEMINI_API_KEY", "API_KEY"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg := Load(path)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.AdDuration)
	assert.Equal(t, "k", cfg.GeminiAPIKey)
	assert.False(t, cfg.Offline)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
}

func TestLoadFallsBackToOffline(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "")
	t.Setenv("FITCHECK_REPLAY_RESET_DELAY", "not-a-duration")
	cfg := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.True(t, cfg.Offline)
	assert.Len(t, cfg.OfflineSeed, 24)
	assert.Equal(t, 4*time.Second, cfg.ReplayResetDelay)
}
