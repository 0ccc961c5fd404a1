package probe

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewTierClient builds the HTTP client shared by the probe, handshake,
// and reconcile subsystems. HTTP/2 is enabled for TLS endpoints (the
// hosted tier); loopback tiers stay on HTTP/1.1. The client carries no
// overall timeout: every call site bounds its requests with a context.
func NewTierClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        8,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	// Best effort: if h2 setup fails the transport still speaks HTTP/1.1.
	_ = http2.ConfigureTransport(transport)

	return &http.Client{Transport: transport}
}
