package e2e_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/proxy"
)

func directTargets(up *upstream, tokens *tokenServer) string {
	return fmt.Sprintf(`
targets:
  plain:
    endpoint: %[1]s/api
    queryParams:
      api_version: "2"
  keyed:
    endpoint: %[1]s
    authType: static
    headers:
      X-Api-Key: static-key
  crm:
    endpoint: %[1]s/crm
    authType: oauth
    authData:
      grant_type: client_credentials
      token_endpoint: %[2]s/token
      client_id: crm-client
      client_secret: crm-secret
  erp:
    endpoint: %[1]s/erp
    authType: oauth1
    authData:
      consumer_key: ck
      consumer_secret: cs
      token_id: tid
      token_secret: ts
      realm: "123_SB1"
  off:
    endpoint: %[1]s
    enabled: false
`, up.URL, tokens.URL)
}

// --- direct mode ---

func TestDirect_RelaysRequestAndResolvesPlaceholders(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	resp, body := r.call(t, http.MethodPost, "/proxy/v1/items?{api_version}&limit=5", "plain", strings.NewReader(`{"name":"x"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.JSONEq(t, `{"ok":true}`, body)

	got := up.last(t)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/v1/items", got.Path)
	assert.Equal(t, "api_version=2&limit=5", got.RawQuery)
	assert.Equal(t, `{"name":"x"}`, got.Body)
	assert.Equal(t, "127.0.0.1", got.Header.Get(models.HeaderOrigin))
	assert.Empty(t, got.Header.Get(models.HeaderAuth))
	assert.Empty(t, got.Header.Get(models.HeaderTarget))
}

func TestDirect_ResponseMarkedAndFiltered(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	resp, _ := r.call(t, http.MethodGet, "/proxy/", "plain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "true", resp.Header.Get(models.HeaderProxied))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Empty(t, resp.Header.Get("Date"))
}

func TestDirect_StaticHeaders(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	resp, _ := r.call(t, http.MethodGet, "/proxy/things", "keyed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "static-key", up.last(t).Header.Get("X-Api-Key"))
}

func TestDirect_OAuthTokenCachedAcrossRequests(t *testing.T) {
	up := newUpstream(t)
	tokens := newTokenServer(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, tokens))

	for range 3 {
		resp, body := r.call(t, http.MethodGet, "/proxy/accounts", "crm", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Equal(t, "Bearer tok-1", up.last(t).Header.Get("Authorization"))
	}

	assert.Equal(t, int64(1), tokens.issued.Load())

	resp, body := r.admin(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		OAuth2 models.TokenCacheStats `json:"oauth2"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, int64(2), stats.OAuth2.CacheHits)
	assert.Equal(t, int64(1), stats.OAuth2.CacheMisses)
	assert.Equal(t, 1, stats.OAuth2.CachedTokens)
}

func TestDirect_ClearTokenForcesRefetch(t *testing.T) {
	up := newUpstream(t)
	tokens := newTokenServer(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, tokens))

	r.call(t, http.MethodGet, "/proxy/a", "crm", nil)

	resp, _ := r.admin(t, http.MethodDelete, "/tokens/crm")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r.call(t, http.MethodGet, "/proxy/a", "crm", nil)
	assert.Equal(t, "Bearer tok-2", up.last(t).Header.Get("Authorization"))
	assert.Equal(t, int64(2), tokens.issued.Load())
}

func TestDirect_OAuth1Signed(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	resp, body := r.call(t, http.MethodGet, "/proxy/record?id=7", "erp", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	authz := up.last(t).Header.Get("Authorization")
	assert.True(t, strings.HasPrefix(authz, `OAuth realm="123_SB1"`), authz)
	assert.Contains(t, authz, `oauth_consumer_key="ck"`)
	assert.Contains(t, authz, `oauth_token="tid"`)
	assert.Contains(t, authz, `oauth_signature_method="HMAC-SHA256"`)
	assert.Contains(t, authz, `oauth_signature="`)
}

func TestDirect_Errors(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	tests := []struct {
		name   string
		target string
		path   string
		status int
		code   string
	}{
		{"missing target", "", "/proxy/x", http.StatusBadRequest, "missing_target"},
		{"unknown target", "nope", "/proxy/x", http.StatusBadRequest, "target_not_found"},
		{"disabled target", "off", "/proxy/x", http.StatusBadRequest, "target_not_found"},
		{"unknown placeholder", "plain", "/proxy/x?{missing}", http.StatusBadRequest, "invalid_configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := r.call(t, http.MethodGet, tt.path, tt.target, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, body).Error)
		})
	}

	assert.Zero(t, up.count())
}

func TestDirect_Unauthenticated(t *testing.T) {
	up := newUpstream(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, newTokenServer(t)))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, r.URL+"/proxy/x", nil)
	require.NoError(t, err)
	req.Header.Set(models.HeaderTarget, "plain")
	req.Header.Set(models.HeaderAuth, "wrong")

	resp, body := do(t, req)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error)
	assert.Zero(t, up.count())
}

func TestDirect_UpstreamErrorsPassThrough(t *testing.T) {
	failing := newFailingUpstream(t, http.StatusServiceUnavailable)
	r := startRelay(t, proxy.ModeDirect, clientToken, fmt.Sprintf(`
targets:
  flaky:
    endpoint: %s
`, failing))

	resp, body := r.call(t, http.MethodGet, "/proxy/x", "flaky", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "upstream says no", body)
}

func TestDirect_ReloadPicksUpNewTarget(t *testing.T) {
	up := newUpstream(t)
	tokens := newTokenServer(t)
	r := startRelay(t, proxy.ModeDirect, clientToken, directTargets(up, tokens))

	resp, _ := r.call(t, http.MethodGet, "/proxy/x", "fresh", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	r.call(t, http.MethodGet, "/proxy/x", "crm", nil)
	require.Equal(t, int64(1), tokens.issued.Load())

	// Changing crm must also drop its cached token.
	updated := strings.Replace(directTargets(up, tokens), "/crm\n", "/crm-v2\n", 1) + fmt.Sprintf(`
  fresh:
    endpoint: %s/fresh
`, up.URL)
	r.rewriteTargets(t, updated)

	resp, body := r.call(t, http.MethodGet, "/proxy/x", "fresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "/fresh/x", up.last(t).Path)

	r.call(t, http.MethodGet, "/proxy/x", "crm", nil)
	assert.Equal(t, "/crm-v2/x", up.last(t).Path)
	assert.Equal(t, int64(2), tokens.issued.Load())
}

func TestHealth(t *testing.T) {
	r := startRelay(t, proxy.ModeDirect, clientToken, "targets: {}\n")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, r.URL+"/health", nil)
	require.NoError(t, err)

	resp, body := do(t, req)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"healthy","mode":"direct"}`, body)
}

// --- chain mode ---

func TestChain_RelaysThroughDownstream(t *testing.T) {
	up := newUpstream(t)
	tokens := newTokenServer(t)

	const downstreamToken = "downstream-relay-token"

	downstream := startRelay(t, proxy.ModeDirect, downstreamToken, directTargets(up, tokens))
	edge := startRelay(t, proxy.ModeChain, clientToken, fmt.Sprintf(`
targets: {}
chain:
  endpoint: %s
  token: %s
`, downstream.URL, downstreamToken))

	resp, body := edge.call(t, http.MethodPut, "/proxy/accounts/9?{api_version}", "crm", strings.NewReader("payload"))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "true", resp.Header.Get(models.HeaderProxied))

	got := up.last(t)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/crm/accounts/9", got.Path)
	assert.Equal(t, "payload", got.Body)
	assert.Equal(t, "Bearer tok-1", got.Header.Get("Authorization"))
	assert.Equal(t, "127.0.0.1", got.Header.Get(models.HeaderOrigin))
	assert.Empty(t, got.Header.Get(models.HeaderChain))
	assert.Empty(t, got.Header.Get(models.HeaderAuth))
	assert.Empty(t, got.Header.Get(models.HeaderTarget))
}

func TestChain_PlaceholdersResolvedDownstream(t *testing.T) {
	up := newUpstream(t)

	const downstreamToken = "downstream-relay-token"

	downstream := startRelay(t, proxy.ModeDirect, downstreamToken, directTargets(up, newTokenServer(t)))
	edge := startRelay(t, proxy.ModeChain, clientToken, fmt.Sprintf(`
chain:
  endpoint: %s
  token: %s
`, downstream.URL, downstreamToken))

	resp, body := edge.call(t, http.MethodGet, "/proxy/v1?{api_version}", "plain", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "api_version=2", up.last(t).RawQuery)
}

func TestChain_WrongDownstreamToken(t *testing.T) {
	up := newUpstream(t)

	downstream := startRelay(t, proxy.ModeDirect, "right", directTargets(up, newTokenServer(t)))
	edge := startRelay(t, proxy.ModeChain, clientToken, fmt.Sprintf(`
chain:
  endpoint: %s
  token: wrong
`, downstream.URL))

	resp, body := edge.call(t, http.MethodGet, "/proxy/x", "plain", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, body).Error)
	assert.Zero(t, up.count())
}

func TestChain_NotConfigured(t *testing.T) {
	edge := startRelay(t, proxy.ModeChain, clientToken, "targets: {}\n")

	resp, body := edge.call(t, http.MethodGet, "/proxy/x", "crm", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "chain_not_configured", decodeError(t, body).Error)
}
