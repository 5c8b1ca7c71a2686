package handlers

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"iptv-relay/work/failover"
	"iptv-relay/work/logger"
	"iptv-relay/work/metrics"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"

	"github.com/gorilla/mux"
)

// Handler serves the public endpoints: the generated playlist, the raw
// relayed streams and the segmented HLS variant.
type Handler struct {
	Relay *proxy.Relay
}

func New(r *proxy.Relay) *Handler {
	return &Handler{Relay: r}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<title>IPTV Relay</title>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<style>
body { font-family: Arial, sans-serif; margin: 20px; }
h1, h2 { color: #2c3e50; }
.card { background: #f9f9f9; border-radius: 5px; padding: 15px; margin-bottom: 15px; }
</style>
</head>
<body>
<h1>IPTV Relay</h1>
<div class="card">
<p>Channels: <strong>{{.Channels}}</strong></p>
<p>Groups: <strong>{{len .Groups}}</strong></p>
</div>
<h2>Playlists</h2>
<div class="card">
<p><a href="/playlist.m3u">All channels</a></p>
{{range .Groups}}<p><a href="/playlist.m3u?group={{.Name}}">{{.Name}}</a> ({{.Count}})</p>
{{end}}</div>
</body>
</html>
`))

// Index serves a small browsable portal: channel counts plus one playlist
// link per group, so a player can be pointed at a group without hand-building
// the query string.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	type groupRow struct {
		Name  string
		Count int
	}

	counts := make(map[string]int)
	var order []string
	channels := 0
	for _, ch := range h.Relay.Registry.ListChannels("") {
		if !ch.Playable() {
			continue
		}
		channels++
		if ch.Group == "" {
			continue
		}
		if _, seen := counts[ch.Group]; !seen {
			order = append(order, ch.Group)
		}
		counts[ch.Group]++
	}

	groups := make([]groupRow, 0, len(order))
	for _, name := range order {
		groups = append(groups, groupRow{Name: name, Count: counts[name]})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, struct {
		Channels int
		Groups   []groupRow
	}{channels, groups}); err != nil {
		logger.Error("{handlers - Index} template render failed: %v", err)
	}
}

// Playlist serves the generated M3U. An optional ?group= query restricts the
// output to one group (case-insensitive). An empty playlist is still a valid
// playlist, never an error.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	body := h.Relay.Playlist(group)

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// Stream relays the live stream of one channel. The response starts as soon
// as the first upstream bytes arrive; if every source fails before that, the
// client gets a 502. After bytes have flowed, a mid-stream exhaustion can
// only end the response body.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]
	clientID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())

	sess, client, err := h.Relay.Sessions.Attach(channelID, clientID)
	if err != nil {
		if errors.Is(err, registry.ErrChannelNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("{handlers - Stream} attach failed for %s: %v", channelID, err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer h.Relay.Sessions.Release(channelID, clientID)

	logger.Debug("{handlers - Stream} Client %s attached to channel %s", clientID, channelID)

	flusher, canFlush := w.(http.Flusher)
	wroteHeader := false
	var sent int64

	writeHeader := func() {
		ct := sess.ContentType()
		if ct == "" {
			ct = "video/mp2t"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		wroteHeader = true
	}

	for {
		select {
		case <-r.Context().Done():
			logger.Debug("{handlers - Stream} Client %s disconnected from %s after %d bytes", clientID, channelID, sent)
			return

		case chunk := <-client.Chunks():
			if !wroteHeader {
				writeHeader()
			}
			n, err := w.Write(chunk)
			if err != nil {
				logger.Debug("{handlers - Stream} write to client %s failed: %v", clientID, err)
				return
			}
			sent += int64(n)
			metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(n))
			if canFlush {
				flusher.Flush()
			}

		case <-client.Done():
			// Drain chunks queued before the detach, then finish.
			for {
				select {
				case chunk := <-client.Chunks():
					if !wroteHeader {
						writeHeader()
					}
					n, err := w.Write(chunk)
					if err != nil {
						return
					}
					sent += int64(n)
					metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(n))
				default:
					h.finishStream(w, channelID, clientID, client.Err(), wroteHeader, sent)
					return
				}
			}
		}
	}
}

// finishStream translates the terminal session state into the right HTTP
// ending for this client.
func (h *Handler) finishStream(w http.ResponseWriter, channelID, clientID string, cause error, wroteHeader bool, sent int64) {
	if errors.Is(cause, failover.ErrAllSourcesFailed) && !wroteHeader {
		logger.Warn("{handlers - Stream} No working source for %s, returning 502 to %s", channelID, clientID)
		http.Error(w, "all upstream sources failed", http.StatusBadGateway)
		return
	}
	logger.Debug("{handlers - Stream} Stream to %s on %s ended after %d bytes (%v)", clientID, channelID, sent, cause)
}

// HLSManifest serves the live media playlist for one channel. The first
// request spins up the segmenter; until a segment exists players are told to
// retry shortly.
func (h *Handler) HLSManifest(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["id"]

	seg, err := h.Relay.HLS.Get(channelID)
	if err != nil {
		if errors.Is(err, registry.ErrChannelNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("{handlers - HLSManifest} segmenter start failed for %s: %v", channelID, err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}

	manifest, ready := seg.Manifest()
	if !ready {
		if errors.Is(seg.Err(), failover.ErrAllSourcesFailed) {
			http.Error(w, "all upstream sources failed", http.StatusBadGateway)
			return
		}
		w.Header().Set("Retry-After", "1")
		http.Error(w, "stream starting", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(manifest)
}

// HLSSegment serves one media segment out of the live window.
func (h *Handler) HLSSegment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channelID := vars["id"]

	seq, err := strconv.ParseUint(vars["seq"], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	seg, err := h.Relay.HLS.Get(channelID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	segment, found := seg.Segment(seq)
	if !found {
		// Fell out of the window; the player will re-read the manifest.
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(segment.Data)
	metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(len(segment.Data)))
}
