package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"iptv-relay/work/logger"
)

// Config holds all application configuration values for the relay server.
// It covers the HTTP surface, relay tuning knobs, persistence, caching, and
// the list of external playlists to import channels from.
type Config struct {
	BaseURL               string          `json:"baseURL"`               // Base URL advertised in generated playlists
	ListenAddr            string          `json:"listenAddr"`            // Address the HTTP server binds to
	DatabasePath          string          `json:"databasePath"`          // SQLite database file for channel/source persistence
	LogLevel              string          `json:"logLevel"`              // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls         bool            `json:"obfuscateUrls"`         // Obfuscate upstream URLs in logs
	CacheEnabled          bool            `json:"cacheEnabled"`          // Whether rendered playlists are cached
	CacheDuration         time.Duration   `json:"cacheDuration"`         // TTL for cached playlists
	WorkerThreads         int             `json:"workerThreads"`         // Worker pool size for import jobs
	ImportRefreshInterval time.Duration   `json:"importRefreshInterval"` // Interval for refreshing playlist imports
	ConnectTimeout        time.Duration   `json:"connectTimeout"`        // Per-attempt upstream connect timeout
	ReadTimeout           time.Duration   `json:"readTimeout"`           // Max time between upstream chunks before failover
	RetryBudget           int             `json:"retryBudget"`           // Full passes over a source list before giving up
	ChunkSize             int             `json:"chunkSize"`             // Upstream read chunk size in bytes
	ClientQueueSize       int             `json:"clientQueueSize"`       // Per-client chunk queue (backpressure window)
	CatchupWindow         int             `json:"catchupWindow"`         // Chunks of recent history handed to joining clients
	UserAgent             string          `json:"userAgent"`             // Default User-Agent for upstream requests
	Imports               []ImportConfig  `json:"imports"`               // External playlists to import channels from
	HLS                   HLSConfig       `json:"hls"`                   // Segmented output tuning
}

// ImportConfig describes one external M3U playlist whose channels and source
// URLs are imported into the registry.
type ImportConfig struct {
	Name          string `json:"name"`          // Descriptive name for the import source
	URL           string `json:"url"`           // URL of the external playlist
	UserAgent     string `json:"userAgent"`     // Override User-Agent for this provider
	ReqOrigin     string `json:"reqOrigin"`     // Origin header for this provider
	ReqReferrer   string `json:"reqReferrer"`   // Referer header for this provider
	RatePerSecond int    `json:"ratePerSecond"` // Outbound request rate limit toward this provider
	IncludeRegex  string `json:"includeRegex,omitempty"`
	ExcludeRegex  string `json:"excludeRegex,omitempty"`
}

// HLSConfig tunes the segmented-manifest output encoder.
type HLSConfig struct {
	SegmentDuration time.Duration `json:"segmentDuration"` // Target duration of one segment
	WindowSize      int           `json:"windowSize"`      // Segments kept in the live playlist window
}

// configFile mirrors Config for JSON files on disk, with durations as strings
// (e.g. "30s", "12h") so the file stays human editable.
type configFile struct {
	BaseURL               string             `json:"baseURL"`
	ListenAddr            string             `json:"listenAddr"`
	DatabasePath          string             `json:"databasePath"`
	LogLevel              string             `json:"logLevel"`
	ObfuscateUrls         bool               `json:"obfuscateUrls"`
	CacheEnabled          bool               `json:"cacheEnabled"`
	CacheDuration         string             `json:"cacheDuration"`
	WorkerThreads         int                `json:"workerThreads"`
	ImportRefreshInterval string             `json:"importRefreshInterval"`
	ConnectTimeout        string             `json:"connectTimeout"`
	ReadTimeout           string             `json:"readTimeout"`
	RetryBudget           int                `json:"retryBudget"`
	ChunkSize             int                `json:"chunkSize"`
	ClientQueueSize       int                `json:"clientQueueSize"`
	CatchupWindow         int                `json:"catchupWindow"`
	UserAgent             string             `json:"userAgent"`
	Imports               []ImportConfig     `json:"imports"`
	HLS                   hlsConfigFile      `json:"hls"`
}

type hlsConfigFile struct {
	SegmentDuration string `json:"segmentDuration"`
	WindowSize      int    `json:"windowSize"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// Load loads the configuration from the given path or returns the cached
// instance. Falls back to defaults when the file is missing or invalid, then
// validates the result so every knob carries a usable value.
func Load(path string) *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		logger.Warn("{config - Load} Failed to load config from %s: %v, falling back to defaults", path, err)
		cfg = defaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg

	return cfg
}

// ClearCache resets the cached configuration, forcing the next Load call to
// re-read the file. Used by tests and by graceful reload.
func ClearCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

// convertFromFile converts a configFile into a Config, parsing the duration
// strings. Empty duration strings are left zero and picked up by validation.
func convertFromFile(cf *configFile) (*Config, error) {
	cfg := &Config{
		BaseURL:         cf.BaseURL,
		ListenAddr:      cf.ListenAddr,
		DatabasePath:    cf.DatabasePath,
		LogLevel:        cf.LogLevel,
		ObfuscateUrls:   cf.ObfuscateUrls,
		CacheEnabled:    cf.CacheEnabled,
		WorkerThreads:   cf.WorkerThreads,
		RetryBudget:     cf.RetryBudget,
		ChunkSize:       cf.ChunkSize,
		ClientQueueSize: cf.ClientQueueSize,
		CatchupWindow:   cf.CatchupWindow,
		UserAgent:       cf.UserAgent,
		Imports:         cf.Imports,
		HLS:             HLSConfig{WindowSize: cf.HLS.WindowSize},
	}

	var err error
	if cfg.CacheDuration, err = parseDuration(cf.CacheDuration); err != nil {
		return nil, fmt.Errorf("invalid cacheDuration: %w", err)
	}
	if cfg.ImportRefreshInterval, err = parseDuration(cf.ImportRefreshInterval); err != nil {
		return nil, fmt.Errorf("invalid importRefreshInterval: %w", err)
	}
	if cfg.ConnectTimeout, err = parseDuration(cf.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("invalid connectTimeout: %w", err)
	}
	if cfg.ReadTimeout, err = parseDuration(cf.ReadTimeout); err != nil {
		return nil, fmt.Errorf("invalid readTimeout: %w", err)
	}
	if cfg.HLS.SegmentDuration, err = parseDuration(cf.HLS.SegmentDuration); err != nil {
		return nil, fmt.Errorf("invalid hls.segmentDuration: %w", err)
	}

	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// defaultConfig returns a baseline configuration used when no file is present.
func defaultConfig() *Config {
	return &Config{
		BaseURL:               "http://localhost:8080",
		ListenAddr:            ":8080",
		DatabasePath:          "data/iptv-relay.db",
		LogLevel:              "INFO",
		CacheEnabled:          true,
		CacheDuration:         time.Minute,
		WorkerThreads:         8,
		ImportRefreshInterval: 12 * time.Hour,
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for the ones that are missing or out of range.
func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "data/iptv-relay.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = time.Minute
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.ImportRefreshInterval <= 0 {
		cfg.ImportRefreshInterval = 12 * time.Hour
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 64
	}
	if cfg.CatchupWindow < 0 {
		cfg.CatchupWindow = 0
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
	}
	if cfg.HLS.SegmentDuration <= 0 {
		cfg.HLS.SegmentDuration = 4 * time.Second
	}
	if cfg.HLS.WindowSize <= 0 {
		cfg.HLS.WindowSize = 6
	}

	for i := range cfg.Imports {
		imp := &cfg.Imports[i]
		if imp.Name == "" {
			imp.Name = fmt.Sprintf("Import_%d", i+1)
		}
		if imp.RatePerSecond <= 0 {
			imp.RatePerSecond = 5
		}
		if imp.UserAgent == "" {
			imp.UserAgent = cfg.UserAgent
		}
	}
}

// WriteExample creates an example config file on disk.
func WriteExample(path string) error {
	example := configFile{
		BaseURL:               "http://localhost:8080",
		ListenAddr:            ":8080",
		DatabasePath:          "data/iptv-relay.db",
		LogLevel:              "INFO",
		ObfuscateUrls:         true,
		CacheEnabled:          true,
		CacheDuration:         "1m",
		WorkerThreads:         8,
		ImportRefreshInterval: "12h",
		ConnectTimeout:        "10s",
		ReadTimeout:           "30s",
		RetryBudget:           2,
		ChunkSize:             32 * 1024,
		ClientQueueSize:       64,
		CatchupWindow:         8,
		UserAgent:             "VLC/3.0.18 LibVLC/3.0.18",
		Imports: []ImportConfig{
			{
				Name:          "Primary Provider",
				URL:           "http://example.com/playlist.m3u",
				RatePerSecond: 5,
			},
		},
		HLS: hlsConfigFile{
			SegmentDuration: "4s",
			WindowSize:      6,
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
