package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"iptv-relay/work/buffer"
	"iptv-relay/work/config"
	"iptv-relay/work/failover"
	"iptv-relay/work/fetch"
	"iptv-relay/work/hls"
	"iptv-relay/work/proxy"
	"iptv-relay/work/registry"
	"iptv-relay/work/relay"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandle feeds scripted chunks and honors fetch-context cancellation.
type stubHandle struct {
	ctx       context.Context
	feed      <-chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func (h *stubHandle) Read(p []byte) (int, error) {
	select {
	case chunk, ok := <-h.feed:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, chunk), nil
	case <-h.ctx.Done():
		return 0, h.ctx.Err()
	case <-h.closed:
		return 0, io.EOF
	}
}

func (h *stubHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

func (h *stubHandle) ContentType() string { return "video/mp2t" }
func (h *stubHandle) URL() string         { return "stub" }

type stubFetcher struct {
	mu   sync.Mutex
	fail error
	feed chan []byte
}

func (f *stubFetcher) Fetch(ctx context.Context, src registry.Source) (fetch.Handle, error) {
	f.mu.Lock()
	err := f.fail
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &stubHandle{ctx: ctx, feed: f.feed, closed: make(chan struct{})}, nil
}

func newTestRelay(fetcher fetch.Fetcher) *proxy.Relay {
	reg := registry.New()
	selectorFor := func(string) *failover.Selector {
		sel := failover.New(fetcher, 1)
		sel.InitialBackoff = time.Millisecond
		return sel
	}
	sessions := relay.NewSessionRegistry(reg, selectorFor, buffer.NewPool(1024), relay.Options{
		ChunkSize:     1024,
		QueueSize:     16,
		CatchupWindow: 4,
		StallLimit:    4,
	})
	return &proxy.Relay{
		Config: &config.Config{
			BaseURL:   "http://relay.example",
			UserAgent: "Test/1.0",
		},
		Registry: reg,
		Sessions: sessions,
		HLS:      hls.NewManager(sessions, 50*time.Millisecond, 3),
	}
}

func newTestRouter(r *proxy.Relay) *mux.Router {
	h := New(r)
	router := mux.NewRouter()
	router.HandleFunc("/", h.Index).Methods("GET")
	router.HandleFunc("/playlist.m3u", h.Playlist).Methods("GET")
	router.HandleFunc("/proxy/channel/{id}", h.Stream).Methods("GET")
	router.HandleFunc("/hls/{id}/index.m3u8", h.HLSManifest).Methods("GET")
	router.HandleFunc("/hls/{id}/{seq:[0-9]+}.ts", h.HLSSegment).Methods("GET")
	return router
}

func TestPlaylistEndpoint(t *testing.T) {
	rly := newTestRelay(&stubFetcher{feed: make(chan []byte)})
	rly.Registry.AddOrUpdateChannel("cctv1", "CCTV-1", "央视", "", []registry.Source{{URL: "http://up/secret"}})
	rly.Registry.AddOrUpdateChannel("cctv5", "CCTV-5", "体育", "", []registry.Source{{URL: "http://up/secret5"}})
	router := newTestRouter(rly)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/playlist.m3u", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/x-mpegurl", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "#EXTM3U")
	assert.Contains(t, body, "http://relay.example/proxy/channel/cctv1")
	assert.NotContains(t, body, "http://up/", "upstream addresses must never leak")

	// group filter
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/playlist.m3u?group=体育", nil))
	body = rec.Body.String()
	assert.Contains(t, body, "cctv5")
	assert.NotContains(t, body, "cctv1")

	// unknown group is an empty but valid playlist
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/playlist.m3u?group=nope", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
}

func TestIndexListsGroupPlaylists(t *testing.T) {
	rly := newTestRelay(&stubFetcher{feed: make(chan []byte)})
	rly.Registry.AddOrUpdateChannel("cctv1", "CCTV-1", "央视", "", []registry.Source{{URL: "http://up/secret"}})
	rly.Registry.AddOrUpdateChannel("cctv5", "CCTV-5", "体育", "", []registry.Source{{URL: "http://up/secret5"}})
	rly.Registry.AddOrUpdateChannel("dead", "Dead", "体育", "", nil)
	router := newTestRouter(rly)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body := rec.Body.String()
	assert.Contains(t, body, `href="/playlist.m3u"`)
	assert.Contains(t, body, "央视")
	assert.Contains(t, body, "体育")
	assert.NotContains(t, body, "http://up/", "upstream addresses must never leak")
	// sourceless channels are not counted; only the two playable ones are
	assert.Contains(t, body, "<strong>2</strong>")
}

func TestStreamUnknownChannel(t *testing.T) {
	rly := newTestRelay(&stubFetcher{feed: make(chan []byte)})
	router := newTestRouter(rly)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/channel/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamBadGatewayWhenAllSourcesFail(t *testing.T) {
	fetcher := &stubFetcher{fail: fetch.ErrConnectRefused, feed: make(chan []byte)}
	rly := newTestRelay(fetcher)
	rly.Registry.AddOrUpdateChannel("ch", "Channel", "", "", []registry.Source{{URL: "http://up/a"}})
	router := newTestRouter(rly)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/proxy/channel/ch", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStreamRelaysUpstreamBytes(t *testing.T) {
	fetcher := &stubFetcher{feed: make(chan []byte, 8)}
	rly := newTestRelay(fetcher)
	rly.Registry.AddOrUpdateChannel("ch", "Channel", "", "", []registry.Source{{URL: "http://up/a"}})

	srv := httptest.NewServer(newTestRouter(rly))
	defer srv.Close()

	fetcher.feed <- []byte("live-bytes")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/proxy/channel/ch", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	buf := make([]byte, 64)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "live-bytes", string(buf[:n]))
}

func TestHLSManifestAndSegment(t *testing.T) {
	fetcher := &stubFetcher{feed: make(chan []byte, 8)}
	rly := newTestRelay(fetcher)
	rly.Registry.AddOrUpdateChannel("ch", "Channel", "", "", []registry.Source{{URL: "http://up/a"}})
	router := newTestRouter(rly)

	fetcher.feed <- []byte("segment-payload")

	// poll until the segmenter has cut the first segment
	var rec *httptest.ResponseRecorder
	require.Eventually(t, func() bool {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/hls/ch/index.m3u8", nil))
		return rec.Code == http.StatusOK
	}, 3*time.Second, 25*time.Millisecond)

	body := rec.Body.String()
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Contains(t, body, "#EXTM3U")
	assert.Contains(t, body, "0.ts")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/hls/ch/0.ts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-payload", rec.Body.String())

	// a sequence outside the window is a 404, not an error
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/hls/ch/999.ts", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rly.HLS.Stop()
}

func TestHLSUnknownChannel(t *testing.T) {
	rly := newTestRelay(&stubFetcher{feed: make(chan []byte)})
	router := newTestRouter(rly)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/hls/ghost/index.m3u8", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
