package pipeline

import (
	"net/http"
	"time"
)

// ClientConfig tunes the HTTP client shared by the transcription endpoints.
type ClientConfig struct {
	PoolSize int
	// Timeout caps a whole request. Per-attempt deadlines come from the
	// context, so this only needs to sit above them.
	Timeout   time.Duration
	UserAgent string
}

// NewHTTPClient creates a pooled client. Idle connections are kept per host
// so fallback endpoints do not evict each other.
func NewHTTPClient(cfg ClientConfig) *http.Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.PoolSize,
		MaxIdleConnsPerHost:   cfg.PoolSize,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if cfg.UserAgent != "" {
		rt = userAgentTransport{next: rt, agent: cfg.UserAgent}
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: rt}
}

type userAgentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(req)
}
