package client

import (
	"net/http"
	"time"
)

// Headers carries the per-provider request headers injected into every
// upstream request. Import sources may override the defaults.
type Headers struct {
	UserAgent string
	Origin    string
	Referrer  string
}

// HeaderSettingClient wraps http.Client to automatically set headers on
// outbound upstream requests. The underlying client carries no overall
// timeout because relayed streams are long lived; only connect and response
// header phases are bounded.
type HeaderSettingClient struct {
	Client   *http.Client
	defaults Headers
}

// NewHeaderSettingClient builds the shared upstream HTTP client with transport
// settings tuned for many concurrent long-lived streams.
func NewHeaderSettingClient(defaults Headers) *HeaderSettingClient {
	c := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client:   c,
		defaults: defaults,
	}
}

// Do sets the default headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req, hsc.defaults)
	return hsc.Client.Do(req)
}

// DoWithHeaders executes the request with provider-specific header overrides.
// Empty override fields fall back to the client defaults.
func (hsc *HeaderSettingClient) DoWithHeaders(req *http.Request, h Headers) (*http.Response, error) {
	merged := hsc.defaults
	if h.UserAgent != "" {
		merged.UserAgent = h.UserAgent
	}
	if h.Origin != "" {
		merged.Origin = h.Origin
	}
	if h.Referrer != "" {
		merged.Referrer = h.Referrer
	}
	hsc.setHeaders(req, merged)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request, h Headers) {
	req.Header.Set("User-Agent", h.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if h.Origin != "" {
		req.Header.Set("Origin", h.Origin)
	}
	if h.Referrer != "" {
		req.Header.Set("Referer", h.Referrer)
	}
}
