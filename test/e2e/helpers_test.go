package e2e_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/token-relay/internal/auth"
	"github.com/alexjbarnes/token-relay/internal/httpclient"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/oauth"
	"github.com/alexjbarnes/token-relay/internal/oauth1"
	"github.com/alexjbarnes/token-relay/internal/proxy"
	"github.com/alexjbarnes/token-relay/internal/server"
	"github.com/alexjbarnes/token-relay/internal/targets"
)

const clientToken = "e2e-client-token"

// seen is what the fake upstream observed for one request.
type seen struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     string
}

// upstream is a fake API that records every request it receives and
// echoes a small JSON body back.
type upstream struct {
	URL string

	mu       sync.Mutex
	requests []seen
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()

	u := &upstream{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		u.mu.Lock()
		u.requests = append(u.requests, seen{
			Method:   r.Method,
			Path:     r.URL.EscapedPath(),
			RawQuery: r.URL.RawQuery,
			Header:   r.Header.Clone(),
			Body:     string(body),
		})
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)

	u.URL = ts.URL

	return u
}

func (u *upstream) last(t *testing.T) seen {
	t.Helper()

	u.mu.Lock()
	defer u.mu.Unlock()

	require.NotEmpty(t, u.requests, "upstream received no requests")

	return u.requests[len(u.requests)-1]
}

func (u *upstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return len(u.requests)
}

// tokenServer is a fake OAuth2 token endpoint that issues tok-1, tok-2, ...
type tokenServer struct {
	URL    string
	issued atomic.Int64
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()

	s := &tokenServer{}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}

		if id, secret, ok := r.BasicAuth(); !ok || id != "crm-client" || secret != "crm-secret" {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
			return
		}

		n := s.issued.Add(1)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(ts.Close)

	s.URL = ts.URL

	return s
}

// relay is one running token-relay instance wired exactly as main does.
type relay struct {
	URL         string
	TargetsFile string
	Store       *targets.Store
	Cache       *oauth.Cache
}

// startRelay writes targetsYAML to a temp file and serves the full stack
// over an httptest server.
func startRelay(t *testing.T, mode proxy.Mode, authToken, targetsYAML string) *relay {
	t.Helper()

	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(targetsYAML), 0o600))

	logger := logging.Discard()

	store, err := targets.Load(path, logger)
	require.NoError(t, err)

	clients := httpclient.NewPool()
	cache := oauth.NewCache(logger, oauth.WithClients(clients))

	store.OnChange(func(names []string) {
		for _, name := range names {
			cache.Clear(name)
		}
	})

	signer := oauth1.NewSigner(logger)

	forwarder := proxy.New(proxy.Config{
		Mode:    mode,
		Targets: store,
		Tokens:  cache,
		Signer:  signer,
		Clients: clients,
		Logger:  logger,
	})

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Auth:   auth.NewStore([]string{authToken}),
		Proxy:  forwarder,
		Tokens: cache,
		Signer: signer,
		Mode:   string(mode),
		Logger: logger,
	}))
	t.Cleanup(ts.Close)

	return &relay{
		URL:         ts.URL,
		TargetsFile: path,
		Store:       store,
		Cache:       cache,
	}
}

// rewriteTargets replaces the targets file and reloads it.
func (r *relay) rewriteTargets(t *testing.T, targetsYAML string) {
	t.Helper()

	require.NoError(t, os.WriteFile(r.TargetsFile, []byte(targetsYAML), 0o600))
	require.NoError(t, r.Store.Reload())
}

// call sends a request through the relay with the client credential and
// the given target header, returning the response and its body.
func (r *relay) call(t *testing.T, method, path, target string, body io.Reader) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, r.URL+path, body)
	require.NoError(t, err)

	req.Header.Set(models.HeaderAuth, clientToken)

	if target != "" {
		req.Header.Set(models.HeaderTarget, target)
	}

	return do(t, req)
}

// admin sends an authenticated request to a management endpoint.
func (r *relay) admin(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, r.URL+path, nil)
	require.NoError(t, err)

	req.Header.Set(models.HeaderAuth, clientToken)

	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(b)
}

// errorBody is the JSON error envelope returned by the relay.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func decodeError(t *testing.T, body string) errorBody {
	t.Helper()

	var e errorBody
	require.NoError(t, json.Unmarshal([]byte(body), &e), body)

	return e
}

// newFailingUpstream serves status with a plain-text body for every request.
func newFailingUpstream(t *testing.T, status int) string {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("upstream says no"))
	}))
	t.Cleanup(ts.Close)

	return ts.URL
}
