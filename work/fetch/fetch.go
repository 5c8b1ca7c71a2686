package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"iptv-relay/work/client"
	"iptv-relay/work/logger"
	"iptv-relay/work/registry"
	"iptv-relay/work/utils"
)

// Typed fetch failures. Every error returned by Fetch or Handle.Read wraps
// exactly one of these, so the failover selector can classify outcomes with
// errors.Is without string matching.
var (
	ErrConnectTimeout    = errors.New("upstream connect timeout")
	ErrConnectRefused    = errors.New("upstream connect refused")
	ErrNonStreamResponse = errors.New("upstream returned a non-stream response")
	ErrReadTimeout       = errors.New("upstream read timeout")
)

// Handle is an open upstream byte stream. Reads are bounded by the fetcher's
// read timeout; Close releases the underlying connection and is safe to call
// more than once.
type Handle interface {
	io.ReadCloser

	// ContentType reports the upstream response content type, used to pick
	// the content type of the relayed client response.
	ContentType() string

	// URL reports the source URL this handle was opened against.
	URL() string
}

// Fetcher opens validated upstream connections. The relay core consumes this
// interface so tests can substitute doubles that count or script fetches.
type Fetcher interface {
	Fetch(ctx context.Context, src registry.Source) (Handle, error)
}

// HTTPFetcher is the production Fetcher. It validates that a response looks
// like a live stream before handing it to the relay, and arms a watchdog on
// every read so a stalled upstream surfaces as ErrReadTimeout instead of
// blocking a session forever.
type HTTPFetcher struct {
	Client         *client.HeaderSettingClient
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ObfuscateUrls  bool
}

// NewHTTPFetcher wires an HTTPFetcher with the shared upstream client.
func NewHTTPFetcher(c *client.HeaderSettingClient, connectTimeout, readTimeout time.Duration, obfuscate bool) *HTTPFetcher {
	return &HTTPFetcher{
		Client:         c,
		ConnectTimeout: connectTimeout,
		ReadTimeout:    readTimeout,
		ObfuscateUrls:  obfuscate,
	}
}

// Fetch opens the source URL and validates the response. On success the
// returned handle owns the connection; on every failure path the connection
// is already released before Fetch returns.
func (f *HTTPFetcher) Fetch(ctx context.Context, src registry.Source) (Handle, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrConnectRefused, err)
	}

	// The stream context must outlive the connect phase, so the connect
	// timeout is a watchdog cancelling it rather than a context deadline.
	var connectTimedOut atomic.Bool
	watchdog := time.AfterFunc(f.ConnectTimeout, func() {
		connectTimedOut.Store(true)
		cancel()
	})

	resp, err := f.Client.DoWithHeaders(req, client.Headers{
		UserAgent: src.UserAgent,
		Origin:    src.Origin,
		Referrer:  src.Referrer,
	})
	watchdog.Stop()

	if err != nil {
		cancel()
		if connectTimedOut.Load() || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, utils.LogURL(f.ObfuscateUrls, src.URL))
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrConnectRefused, utils.LogURL(f.ObfuscateUrls, src.URL))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectRefused, utils.LogURL(f.ObfuscateUrls, src.URL), err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrNonStreamResponse, resp.StatusCode, utils.LogURL(f.ObfuscateUrls, src.URL))
	}

	contentType := resp.Header.Get("Content-Type")
	if !StreamContentType(contentType) {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: content type %q from %s", ErrNonStreamResponse, contentType, utils.LogURL(f.ObfuscateUrls, src.URL))
	}

	logger.Debug("{fetch - Fetch} Opened upstream %s (content type %q)", utils.LogURL(f.ObfuscateUrls, src.URL), contentType)

	return &streamHandle{
		resp:        resp,
		cancel:      cancel,
		url:         src.URL,
		contentType: contentType,
		readTimeout: f.ReadTimeout,
	}, nil
}

// StreamContentType reports whether a content type plausibly carries a live
// stream. An HTML or JSON error page from a dead provider must be classified
// as a non-stream response, not relayed to clients.
func StreamContentType(contentType string) bool {
	ct := strings.ToLower(contentType)

	// some providers omit the header entirely on raw TS streams
	if ct == "" {
		return true
	}

	switch {
	case strings.Contains(ct, "text/html"),
		strings.Contains(ct, "text/plain"),
		strings.Contains(ct, "application/json"),
		strings.Contains(ct, "text/xml"),
		strings.Contains(ct, "image/"):
		return false
	}

	return true
}

// streamHandle wraps the upstream response body with read watchdogs. Each
// read arms a timer that cancels the request context when no bytes arrive in
// time, which unblocks the pending Body.Read with an error we map to
// ErrReadTimeout.
type streamHandle struct {
	resp        *http.Response
	cancel      context.CancelFunc
	url         string
	contentType string
	readTimeout time.Duration
	timedOut    atomic.Bool
	closed      atomic.Bool
}

func (h *streamHandle) Read(p []byte) (int, error) {
	watchdog := time.AfterFunc(h.readTimeout, func() {
		h.timedOut.Store(true)
		h.cancel()
	})
	n, err := h.resp.Body.Read(p)
	watchdog.Stop()

	if err != nil && h.timedOut.Load() {
		return n, fmt.Errorf("%w after %s of silence", ErrReadTimeout, h.readTimeout)
	}
	return n, err
}

// Close cancels the request context and closes the body, releasing the
// connection. Idempotent.
func (h *streamHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()
	return h.resp.Body.Close()
}

func (h *streamHandle) ContentType() string { return h.contentType }

func (h *streamHandle) URL() string { return h.url }
