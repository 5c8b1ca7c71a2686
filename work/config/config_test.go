package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	ClearCache()
	defer ClearCache()

	cfg := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 2, cfg.RetryBudget)
	assert.Equal(t, 32*1024, cfg.ChunkSize)
	assert.Equal(t, 4*time.Second, cfg.HLS.SegmentDuration)
	assert.Equal(t, 6, cfg.HLS.WindowSize)
}

func TestLoadParsesFileAndDurations(t *testing.T) {
	ClearCache()
	defer ClearCache()

	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"baseURL": "http://relay.example:9090",
		"listenAddr": ":9090",
		"logLevel": "DEBUG",
		"obfuscateUrls": true,
		"cacheEnabled": true,
		"cacheDuration": "2m",
		"connectTimeout": "5s",
		"readTimeout": "45s",
		"retryBudget": 3,
		"importRefreshInterval": "6h",
		"imports": [
			{"name": "Primary", "url": "http://provider.example/list.m3u", "ratePerSecond": 10}
		],
		"hls": {"segmentDuration": "2s", "windowSize": 4}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg := Load(path)
	assert.Equal(t, "http://relay.example:9090", cfg.BaseURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.ObfuscateUrls)
	assert.Equal(t, 2*time.Minute, cfg.CacheDuration)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 3, cfg.RetryBudget)
	assert.Equal(t, 6*time.Hour, cfg.ImportRefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.HLS.SegmentDuration)
	assert.Equal(t, 4, cfg.HLS.WindowSize)

	require.Len(t, cfg.Imports, 1)
	assert.Equal(t, "Primary", cfg.Imports[0].Name)
	assert.Equal(t, 10, cfg.Imports[0].RatePerSecond)
	// provider UA defaults to the global one
	assert.Equal(t, cfg.UserAgent, cfg.Imports[0].UserAgent)

	// Load is a singleton until the cache is cleared
	again := Load("some-other-path.json")
	assert.Same(t, cfg, again)
}

func TestLoadIsCachedUntilCleared(t *testing.T) {
	ClearCache()
	defer ClearCache()

	first := Load(filepath.Join(t.TempDir(), "nope.json"))
	ClearCache()
	second := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.NotSame(t, first, second)
}

func TestWriteExample(t *testing.T) {
	ClearCache()
	defer ClearCache()

	path := filepath.Join(t.TempDir(), "example.json")
	require.NoError(t, WriteExample(path))

	cfg := Load(path)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	require.Len(t, cfg.Imports, 1)
	assert.Equal(t, "Primary Provider", cfg.Imports[0].Name)
}
