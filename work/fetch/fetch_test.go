package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(connect, read time.Duration) *HTTPFetcher {
	return NewHTTPFetcher(client.NewHeaderSettingClient(client.Headers{}), connect, read, false)
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("tsdata"))
	}))
	defer srv.Close()

	f := newTestFetcher(2*time.Second, 2*time.Second)
	h, err := f.Fetch(context.Background(), registry.Source{URL: srv.URL})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, "video/mp2t", h.ContentType())
	assert.Equal(t, srv.URL, h.URL())

	data, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "tsdata", string(data))

	// Close is idempotent
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
}

func TestFetchPassesSourceHeaders(t *testing.T) {
	var gotUA, gotOrigin, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotOrigin = r.Header.Get("Origin")
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(2*time.Second, 2*time.Second)
	h, err := f.Fetch(context.Background(), registry.Source{
		URL:       srv.URL,
		UserAgent: "TestAgent/1.0",
		Origin:    "http://origin.example",
		Referrer:  "http://referer.example",
	})
	require.NoError(t, err)
	h.Close()

	assert.Equal(t, "TestAgent/1.0", gotUA)
	assert.Equal(t, "http://origin.example", gotOrigin)
	assert.Equal(t, "http://referer.example", gotReferer)
}

func TestFetchRejectsErrorPages(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		status      int
	}{
		{"html page", "text/html; charset=utf-8", http.StatusOK},
		{"json error", "application/json", http.StatusOK},
		{"not found", "video/mp2t", http.StatusNotFound},
		{"server error", "", http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.contentType != "" {
					w.Header().Set("Content-Type", tc.contentType)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte("<html>dead</html>"))
			}))
			defer srv.Close()

			f := newTestFetcher(2*time.Second, 2*time.Second)
			_, err := f.Fetch(context.Background(), registry.Source{URL: srv.URL})
			assert.ErrorIs(t, err, ErrNonStreamResponse)
		})
	}
}

func TestFetchConnectRefused(t *testing.T) {
	// bind and immediately close to get a port nothing listens on
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := newTestFetcher(2*time.Second, 2*time.Second)
	_, err := f.Fetch(context.Background(), registry.Source{URL: url})
	assert.ErrorIs(t, err, ErrConnectRefused)
}

func TestFetchConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release // never send headers until released
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(50*time.Millisecond, 2*time.Second)
	_, err := f.Fetch(context.Background(), registry.Source{URL: srv.URL})
	assert.ErrorIs(t, err, ErrConnectTimeout)
}

func TestReadTimeoutOnStall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-release // stall after the first chunk
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(2*time.Second, 100*time.Millisecond)
	h, err := f.Fetch(context.Background(), registry.Source{URL: srv.URL})
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 64)
	n, err := h.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf[:n]))

	_, err = h.Read(buf)
	assert.ErrorIs(t, err, ErrReadTimeout)
}

func TestStreamContentType(t *testing.T) {
	assert.True(t, StreamContentType(""))
	assert.True(t, StreamContentType("video/mp2t"))
	assert.True(t, StreamContentType("application/octet-stream"))
	assert.True(t, StreamContentType("application/vnd.apple.mpegurl"))

	assert.False(t, StreamContentType("text/html; charset=utf-8"))
	assert.False(t, StreamContentType("application/json"))
	assert.False(t, StreamContentType("image/png"))
	assert.False(t, StreamContentType("text/plain"))
}
