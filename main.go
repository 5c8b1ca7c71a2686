package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/handlers"
	"iptv-relay/work/logger"
	"iptv-relay/work/middleware"
	"iptv-relay/work/proxy"
)

var Version = "v0.1.0"

func main() {

	// load our config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.json"
	}
	cfg := config.Load(configPath)
	logger.SetLogLevel(cfg.LogLevel)

	// open persistence
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main} Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// assemble the relay
	relayInstance, err := proxy.New(cfg, db)
	if err != nil {
		logger.Error("{main} Failed to create relay: %v", err)
		os.Exit(1)
	}
	defer relayInstance.Shutdown()

	if err := relayInstance.LoadFromDatabase(); err != nil {
		logger.Error("{main} Failed to load channels from database: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// initial import, then keep refreshing in the background
	relayInstance.ImportAll(ctx)
	relayInstance.StartRefreshLoop(ctx)

	h := handlers.New(relayInstance)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.Use(middleware.CORS)

	// Browsable portal with per-group playlist links
	router.HandleFunc("/", h.Index).Methods("GET")

	// Generated playlist (optionally filtered by ?group=)
	router.Handle("/playlist.m3u", middleware.Gzip(http.HandlerFunc(h.Playlist))).Methods("GET")

	// Raw stream relay
	router.HandleFunc("/proxy/channel/{id}", h.Stream).Methods("GET")

	// Segmented output
	router.HandleFunc("/hls/{id}/index.m3u8", h.HLSManifest).Methods("GET")
	router.HandleFunc("/hls/{id}/{seq:[0-9]+}.ts", h.HLSSegment).Methods("GET")

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, relayInstance)

	logger.Info("{main} Starting IPTV Relay %s", Version)
	logger.Info("{main}   - Listen Address: %s", cfg.ListenAddr)
	logger.Info("{main}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main}   - Channels: %d", relayInstance.Registry.Len())
	logger.Info("{main}   - Imports: %d", len(cfg.Imports))
	logger.Info("{main}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main}   - Retry Budget: %d passes", cfg.RetryBudget)
	logger.Info("{main}   - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("{main}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// No global write timeout: stream responses are unbounded.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("{main} Shutdown requested, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("{main} Server failed: %v", err)
		os.Exit(1)
	}
}
