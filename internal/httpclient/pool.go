// Package httpclient builds the outbound HTTP clients shared by the token
// cache and the forwarding pipeline.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

const (
	dialTimeout           = 10 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConns          = 100
	maxIdleConnsPerHost   = 10
	expectContinueTimeout = 1 * time.Second
)

// Pool holds one client that verifies TLS certificates and one that
// does not. Targets opt into the second with ignoreCertificateValidation.
// Neither client has an overall timeout; callers bound each request with
// a context deadline so long-lived response streams are not cut off.
type Pool struct {
	secure   *http.Client
	insecure *http.Client
}

// NewPool creates a pool whose clients never follow redirects: 3xx
// responses are returned to the caller as-is.
func NewPool() *Pool {
	return &Pool{
		secure:   newClient(false),
		insecure: newClient(true),
	}
}

// NewPoolWithClient uses c for every request regardless of the TLS
// setting. Intended for tests that inject an httptest client.
func NewPoolWithClient(c *http.Client) *Pool {
	return &Pool{secure: c, insecure: c}
}

// For returns the client matching a target's certificate policy.
func (p *Pool) For(ignoreCertificateValidation bool) *http.Client {
	if ignoreCertificateValidation {
		return p.insecure
	}

	return p.secure
}

func newClient(skipVerify bool) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
	}

	if skipVerify {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // opt-in per target
		}
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
