package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport returns a configured HTTP transport with connection limits.
// Caps concurrent connections per host so a dead quote provider cannot pile
// up goroutines waiting on dials during an outage.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		// Cap concurrent connections to any single host
		MaxConnsPerHost: 100,

		// Keep some connections warm for reuse
		MaxIdleConnsPerHost: 10,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,

		// Connection establishment timeouts
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		// TLS handshake timeout
		TLSHandshakeTimeout: 10 * time.Second,

		// Expect continue timeout for 100-continue responses
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPClient returns a client over DefaultTransport with an end-to-end
// request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: DefaultTransport(),
		Timeout:   timeout,
	}
}
