package proxy

import (
	"net/http"
	"strings"

	"github.com/alexjbarnes/token-relay/internal/models"
)

// hopByHopHeaders are connection-scoped and never forwarded in either
// direction (RFC 9110 section 7.6.1).
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// requestOnlyStrip are dropped from the inbound request. Host and
// Content-Length are recomputed for the outbound request.
var requestOnlyStrip = map[string]bool{
	"host":               true,
	"content-length":     true,
	"token-relay-auth":   true,
	"token-relay-target": true,
	"token-relay-chain":  true,
	"token-relay-origin": true,
}

// responseOnlyStrip are dropped from the upstream response.
var responseOnlyStrip = map[string]bool{
	"server": true,
	"date":   true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// connectionTokens returns the header names listed in Connection, which
// are hop-by-hop for this message only.
func connectionTokens(h http.Header) map[string]bool {
	var out map[string]bool

	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.ToLower(strings.TrimSpace(tok))
			if tok == "" {
				continue
			}

			if out == nil {
				out = make(map[string]bool)
			}

			out[tok] = true
		}
	}

	return out
}

// outboundHeaders copies inbound headers minus relay control headers and
// transport headers, then applies the target's static headers on top.
func outboundHeaders(in http.Header, static map[string]string) http.Header {
	out := make(http.Header, len(in)+len(static)+2)
	listed := connectionTokens(in)

	for key, values := range in {
		lower := strings.ToLower(key)
		if isHopByHopHeader(key) || requestOnlyStrip[lower] || listed[lower] {
			continue
		}

		for _, v := range values {
			out.Add(key, v)
		}
	}

	for key, v := range static {
		out.Set(key, v)
	}

	return out
}

// copyResponseHeaders copies upstream headers to w minus hop-by-hop,
// Server and Date.
func copyResponseHeaders(dst, src http.Header) {
	listed := connectionTokens(src)

	for key, values := range src {
		lower := strings.ToLower(key)
		if isHopByHopHeader(key) || responseOnlyStrip[lower] || listed[lower] {
			continue
		}

		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// originFor picks the TOKEN-RELAY-ORIGIN value for the outbound request.
// A request arriving from an upstream relay hop keeps the origin that hop
// recorded so the real caller survives multi-hop chains.
func originFor(in http.Header, clientIP string) string {
	if strings.EqualFold(in.Get(models.HeaderChain), "true") {
		if o := in.Get(models.HeaderOrigin); o != "" {
			return o
		}
	}

	return clientIP
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")

	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}

	return a + b
}
