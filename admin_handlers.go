package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"iptv-relay/work/logger"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"
	"iptv-relay/work/relay"
	"iptv-relay/work/utils"

	"github.com/gorilla/mux"
)

var startTime = time.Now()

// StatsResponse carries the operational snapshot served by the admin stats
// endpoint.
type StatsResponse struct {
	TotalChannels   int    `json:"totalChannels"`
	TotalSources    int    `json:"totalSources"`
	ActiveSessions  int    `json:"activeSessions"`
	ConnectedCount  int    `json:"connectedClients"`
	StaleSources    int    `json:"staleSources"`
	Uptime          string `json:"uptime"`
	MemoryUsage     string `json:"memoryUsage"`
	CacheEnabled    bool   `json:"cacheEnabled"`
	WorkerThreads   int    `json:"workerThreads"`
	ImportCount     int    `json:"importCount"`
	RefreshInterval string `json:"refreshInterval"`
}

// ChannelResponse describes one channel for the admin channel list.
type ChannelResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Group         string `json:"group"`
	LogoURL       string `json:"logoURL"`
	Sources       int    `json:"sources"`
	Active        bool   `json:"active"`
	Clients       int    `json:"clients"`
	CurrentSource string `json:"currentSource,omitempty"`
}

// addChannelInfoRequest is the body for registering or updating channel
// metadata. When channelId is empty it is derived from tvgId, falling back
// to a slug of the display name.
type addChannelInfoRequest struct {
	ChannelID   string `json:"channelId"`
	TvgID       string `json:"tvgId"`
	DisplayName string `json:"displayName"`
	Group       string `json:"group"`
	LogoURL     string `json:"logoUrl"`
}

// addSourceRequest is the body for attaching an upstream URL to an existing
// channel.
type addSourceRequest struct {
	ChannelID   string `json:"channelId"`
	URL         string `json:"url"`
	Priority    int    `json:"priority"`
	UserAgent   string `json:"userAgent"`
	ReqOrigin   string `json:"reqOrigin"`
	ReqReferrer string `json:"reqReferrer"`
}

// setupAdminRoutes registers the administrative API on the main router.
func setupAdminRoutes(router *mux.Router, rly *proxy.Relay) {
	admin := router.PathPrefix("/admin").Subrouter()

	admin.HandleFunc("/add_channel_info", handleAddChannelInfo(rly)).Methods("POST")
	admin.HandleFunc("/add_source", handleAddSource(rly)).Methods("POST")
	admin.HandleFunc("/channels", handleListChannels(rly)).Methods("GET")
	admin.HandleFunc("/stats", handleStats(rly)).Methods("GET")
}

func handleAddChannelInfo(rly *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addChannelInfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if strings.TrimSpace(req.DisplayName) == "" {
			respondError(w, http.StatusBadRequest, "displayName is required")
			return
		}

		id := req.ChannelID
		if id == "" {
			id = req.TvgID
		}
		if id == "" {
			id = utils.SlugifyChannelID(req.DisplayName)
		}
		if id == "" {
			respondError(w, http.StatusBadRequest, "could not derive a channel id")
			return
		}

		rly.Registry.SetInfo(id, req.DisplayName, req.Group, req.LogoURL)

		if rly.DB != nil {
			ch, _ := rly.Registry.Get(id)
			if err := rly.DB.UpsertChannel(ch); err != nil {
				logger.Error("{admin - AddChannelInfo} failed to persist channel %s: %v", id, err)
				respondError(w, http.StatusInternalServerError, "failed to persist channel")
				return
			}
		}

		rly.InvalidatePlaylists()

		respondJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"channelId": id,
		})
	}
}

func handleAddSource(rly *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if req.ChannelID == "" || req.URL == "" {
			respondError(w, http.StatusBadRequest, "channelId and url are required")
			return
		}

		src := registry.Source{
			URL:       req.URL,
			Priority:  req.Priority,
			UserAgent: req.UserAgent,
			Origin:    req.ReqOrigin,
			Referrer:  req.ReqReferrer,
		}

		if err := rly.Registry.AddSource(req.ChannelID, src); err != nil {
			respondError(w, http.StatusNotFound, "channel not found")
			return
		}

		if rly.DB != nil {
			if err := rly.DB.AddSource(req.ChannelID, src); err != nil {
				logger.Error("{admin - AddSource} failed to persist source for %s: %v", req.ChannelID, err)
			}
		}

		rly.InvalidatePlaylists()

		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleListChannels(rly *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels := rly.Registry.ListChannels(r.URL.Query().Get("group"))

		out := make([]ChannelResponse, 0, len(channels))
		for _, ch := range channels {
			resp := ChannelResponse{
				ID:      ch.ID,
				Name:    ch.DisplayName,
				Group:   ch.Group,
				LogoURL: ch.LogoURL,
				Sources: len(ch.Sources),
			}
			if sess, ok := rly.Sessions.Get(ch.ID); ok {
				resp.Active = true
				resp.Clients = sess.ClientCount()
				if src, ok := sess.CurrentSource(); ok {
					resp.CurrentSource = utils.LogURL(rly.Config.ObfuscateUrls, src.URL)
				}
			}
			out = append(out, resp)
		}

		respondJSON(w, http.StatusOK, out)
	}
}

func handleStats(rly *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		totalSources := 0
		for _, ch := range rly.Registry.ListChannels("") {
			totalSources += len(ch.Sources)
		}

		connected := 0
		rly.Sessions.Range(func(_ string, sess *relay.Session) bool {
			connected += sess.ClientCount()
			return true
		})

		stale := 0
		if rly.DB != nil {
			if n, err := rly.DB.StaleSourceCount(24 * time.Hour); err == nil {
				stale = n
			}
		}

		respondJSON(w, http.StatusOK, StatsResponse{
			TotalChannels:   rly.Registry.Len(),
			TotalSources:    totalSources,
			ActiveSessions:  rly.Sessions.Len(),
			ConnectedCount:  connected,
			StaleSources:    stale,
			Uptime:          time.Since(startTime).Round(time.Second).String(),
			MemoryUsage:     utils.FormatBytes(int64(memStats.Alloc)),
			CacheEnabled:    rly.Config.CacheEnabled,
			WorkerThreads:   rly.Config.WorkerThreads,
			ImportCount:     len(rly.Config.Imports),
			RefreshInterval: rly.Config.ImportRefreshInterval.String(),
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin - respondJSON} failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
