package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/cache"
	"iptv-relay/work/client"
	"iptv-relay/work/config"
	"iptv-relay/work/database"
	"iptv-relay/work/failover"
	"iptv-relay/work/fetch"
	"iptv-relay/work/filter"
	"iptv-relay/work/hls"
	"iptv-relay/work/logger"
	"iptv-relay/work/parser"
	"iptv-relay/work/playlist"
	"iptv-relay/work/registry"
	"iptv-relay/work/relay"
	"iptv-relay/work/utils"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// Relay is the top-level coordinator. It owns the channel registry, the
// per-channel streaming sessions, playlist imports and the rendered-playlist
// cache, and hands the HTTP layer everything it needs.
type Relay struct {
	Config   *config.Config
	Registry *registry.Registry
	DB       *database.DB
	Sessions *relay.SessionRegistry
	HLS      *hls.Manager
	Cache    *cache.Cache

	httpClient *client.HeaderSettingClient
	workerPool *ants.Pool
	limiters   map[string]ratelimit.Limiter

	refreshStop chan struct{}
	refreshOnce sync.Once
}

// limitedFetcher paces upstream connection attempts so failover churn across
// many channels cannot hammer a provider.
type limitedFetcher struct {
	inner   fetch.Fetcher
	limiter ratelimit.Limiter
}

func (lf *limitedFetcher) Fetch(ctx context.Context, src registry.Source) (fetch.Handle, error) {
	lf.limiter.Take()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return lf.inner.Fetch(ctx, src)
}

// New assembles the relay from configuration and an opened database.
func New(cfg *config.Config, db *database.DB) (*Relay, error) {
	reg := registry.New()

	httpClient := client.NewHeaderSettingClient(client.Headers{UserAgent: cfg.UserAgent})

	var fetcher fetch.Fetcher = fetch.NewHTTPFetcher(httpClient, cfg.ConnectTimeout, cfg.ReadTimeout, cfg.ObfuscateUrls)
	fetcher = &limitedFetcher{inner: fetcher, limiter: upstreamLimiter(cfg)}

	selectorFor := func(channelID string) *failover.Selector {
		sel := failover.New(fetcher, cfg.RetryBudget)
		sel.OnAttempt = func(src registry.Source, err error) {
			if db == nil {
				return
			}
			if dbErr := db.RecordSourceResult(channelID, src.URL, err == nil); dbErr != nil {
				logger.Warn("{proxy - OnAttempt} failed to record source result: %v", dbErr)
			}
		}
		return sel
	}

	sessions := relay.NewSessionRegistry(reg, selectorFor, buffer.NewPool(cfg.ChunkSize), relay.Options{
		ChunkSize:     cfg.ChunkSize,
		QueueSize:     cfg.ClientQueueSize,
		CatchupWindow: cfg.CatchupWindow,
		StallLimit:    cfg.ClientQueueSize,
	})

	pool, err := ants.NewPool(cfg.WorkerThreads)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	r := &Relay{
		Config:      cfg,
		Registry:    reg,
		DB:          db,
		Sessions:    sessions,
		HLS:         hls.NewManager(sessions, cfg.HLS.SegmentDuration, uint(cfg.HLS.WindowSize)),
		httpClient:  httpClient,
		workerPool:  pool,
		limiters:    make(map[string]ratelimit.Limiter, len(cfg.Imports)),
		refreshStop: make(chan struct{}),
	}

	if cfg.CacheEnabled {
		r.Cache = cache.New(cfg.CacheDuration)
	}

	for i := range cfg.Imports {
		imp := &cfg.Imports[i]
		if imp.RatePerSecond > 0 {
			r.limiters[imp.Name] = ratelimit.New(imp.RatePerSecond)
		} else {
			r.limiters[imp.Name] = ratelimit.NewUnlimited()
		}
	}

	return r, nil
}

// upstreamLimiter derives the shared connection pacing from the most
// permissive import rate; unlimited when nothing is configured.
func upstreamLimiter(cfg *config.Config) ratelimit.Limiter {
	max := 0
	for _, imp := range cfg.Imports {
		if imp.RatePerSecond > max {
			max = imp.RatePerSecond
		}
	}
	if max == 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(max)
}

// LoadFromDatabase seeds the in-memory registry with persisted channels.
func (r *Relay) LoadFromDatabase() error {
	if r.DB == nil {
		return nil
	}
	channels, err := r.DB.LoadAll()
	if err != nil {
		return err
	}
	for _, ch := range channels {
		r.Registry.AddOrUpdateChannel(ch.ID, ch.DisplayName, ch.Group, ch.LogoURL, ch.Sources)
	}
	logger.Info("{proxy - LoadFromDatabase} Loaded %d channels from database", len(channels))
	return nil
}

// ImportAll runs every configured playlist import on the worker pool and
// waits for completion. Failed imports are logged and skipped; one broken
// provider never blocks the others.
func (r *Relay) ImportAll(ctx context.Context) {
	var wg sync.WaitGroup

	for i := range r.Config.Imports {
		imp := &r.Config.Imports[i]
		wg.Add(1)
		err := r.workerPool.Submit(func() {
			defer wg.Done()
			if err := r.runImport(ctx, imp); err != nil {
				logger.Error("{proxy - ImportAll} import %q failed: %v", imp.Name, err)
			}
		})
		if err != nil {
			wg.Done()
			logger.Error("{proxy - ImportAll} failed to submit import %q: %v", imp.Name, err)
		}
	}

	wg.Wait()

	if r.Cache != nil {
		r.Cache.Invalidate()
	}
	logger.Info("{proxy - ImportAll} Import complete, %d channels registered", r.Registry.Len())
}

// runImport fetches one provider playlist and merges its tracks into the
// registry and database. Source priority is the import's position in the
// config, so earlier imports win failover order.
func (r *Relay) runImport(ctx context.Context, imp *config.ImportConfig) error {
	fl, err := filter.Compile(imp.IncludeRegex, imp.ExcludeRegex)
	if err != nil {
		return err
	}

	r.limiters[imp.Name].Take()

	tracks, err := parser.FetchM3U(ctx, r.httpClient, r.Config.ObfuscateUrls, imp)
	if err != nil {
		return err
	}
	tracks = fl.Apply(tracks)

	priority := r.importPriority(imp)
	added := 0

	for _, t := range tracks {
		if t.URL == "" || t.Name == "" {
			continue
		}
		id := t.ChannelID()
		src := registry.Source{
			URL:       t.URL,
			Priority:  priority,
			UserAgent: imp.UserAgent,
			Origin:    imp.ReqOrigin,
			Referrer:  imp.ReqReferrer,
		}
		r.Registry.MergeImported(id, t.Name, t.Group, t.LogoURL, src)
		added++

		if r.DB != nil {
			ch, _ := r.Registry.Get(id)
			if err := r.DB.UpsertChannel(ch); err != nil {
				logger.Warn("{proxy - runImport} failed to persist channel %s: %v", id, err)
				continue
			}
			if err := r.DB.AddSource(id, src); err != nil {
				logger.Warn("{proxy - runImport} failed to persist source for %s: %v", id, err)
			}
		}
	}

	logger.Info("{proxy - runImport} Import %q merged %d tracks from %s", imp.Name, added, utils.LogURL(r.Config.ObfuscateUrls, imp.URL))
	return nil
}

func (r *Relay) importPriority(target *config.ImportConfig) int {
	for i := range r.Config.Imports {
		if &r.Config.Imports[i] == target {
			return i
		}
	}
	return len(r.Config.Imports)
}

// StartRefreshLoop re-runs imports on the configured interval until Shutdown.
func (r *Relay) StartRefreshLoop(ctx context.Context) {
	if r.Config.ImportRefreshInterval <= 0 || len(r.Config.Imports) == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.Config.ImportRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.refreshStop:
				return
			case <-ticker.C:
				logger.Debug("{proxy - StartRefreshLoop} Refreshing imports")
				r.ImportAll(ctx)
			}
		}
	}()
}

// Playlist returns the rendered M3U for the given group filter, from cache
// when possible.
func (r *Relay) Playlist(groupFilter string) string {
	key := "playlist:" + groupFilter
	if r.Cache != nil {
		if cached, found := r.Cache.GetPlaylist(key); found {
			return cached
		}
	}

	rendered := playlist.Render(playlist.Project(r.Registry, groupFilter), r.Config.BaseURL)

	if r.Cache != nil {
		r.Cache.SetPlaylist(key, rendered)
	}
	return rendered
}

// InvalidatePlaylists drops cached playlist renderings after a registry
// mutation.
func (r *Relay) InvalidatePlaylists() {
	if r.Cache != nil {
		r.Cache.Invalidate()
	}
}

// Shutdown stops background work and releases pooled resources. Active
// streaming sessions wind down as their clients disconnect.
func (r *Relay) Shutdown() {
	r.refreshOnce.Do(func() { close(r.refreshStop) })
	r.HLS.Stop()
	r.workerPool.Release()
	if r.Cache != nil {
		r.Cache.Close()
	}
	logger.Info("{proxy - Shutdown} Relay stopped")
}
