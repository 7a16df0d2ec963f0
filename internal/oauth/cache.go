// Package oauth acquires and caches OAuth 2.0 access tokens for relay
// targets. At most one token request per target is in flight at any
// time; different targets never block each other.
package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/httpclient"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/sanitize"
)

const (
	// DefaultRequestTimeout bounds a single token endpoint round trip.
	DefaultRequestTimeout = 30 * time.Second

	// maxTokenResponseBytes caps token endpoint reads. Token responses
	// are small JSON documents.
	maxTokenResponseBytes = 1 << 20

	defaultTokenPath = "/oauth/token"
)

// Cache holds one token per target name.
type Cache struct {
	logger  *slog.Logger
	clients *httpclient.Pool
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	tokens map[string]*Token

	// locks is the per-target acquisition lock table. Entries are
	// created on first use and live for the life of the process.
	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted

	hits         atomic.Int64
	misses       atomic.Int64
	acquisitions atomic.Int64
	refreshes    atomic.Int64
	failures     atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClients sets the HTTP client pool used for token requests.
func WithClients(p *httpclient.Pool) Option {
	return func(c *Cache) {
		c.clients = p
	}
}

// WithRequestTimeout bounds each token endpoint call.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces the wall clock. Used by tests to move time forward.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty token cache.
func NewCache(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Cache{
		logger:  logger,
		timeout: DefaultRequestTimeout,
		now:     time.Now,
		tokens:  make(map[string]*Token),
		locks:   make(map[string]*semaphore.Weighted),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.clients == nil {
		c.clients = httpclient.NewPool()
	}

	return c
}

// Acquire returns a valid token for the target, fetching one only when
// nothing usable is cached. Concurrent callers for the same target wait
// for the first caller's fetch and then share its result.
func (c *Cache) Acquire(ctx context.Context, name string, target models.TargetConfig) (*Token, error) {
	grant, err := validateGrant(name, target, c.logger)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	if tok := c.cached(name); tok != nil {
		c.hits.Add(1)
		return tok, nil
	}

	c.misses.Add(1)

	lock := c.lockFor(name)
	if err := lock.Acquire(ctx, 1); err != nil {
		c.failures.Add(1)
		return nil, &apperrors.CredentialError{Target: name, Err: fmt.Errorf("%w: %w", apperrors.ErrRequestCanceled, err)}
	}
	defer lock.Release(1)

	// Another caller may have fetched while this one waited.
	if tok := c.cached(name); tok != nil {
		return tok, nil
	}

	tok, err := c.fetch(ctx, name, target, grant)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	c.acquisitions.Add(1)
	c.store(name, tok)

	return tok, nil
}

// Refresh fetches a new token regardless of what is cached. It still
// goes through the per-target lock.
func (c *Cache) Refresh(ctx context.Context, name string, target models.TargetConfig) (*Token, error) {
	grant, err := validateGrant(name, target, c.logger)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	lock := c.lockFor(name)
	if err := lock.Acquire(ctx, 1); err != nil {
		c.failures.Add(1)
		return nil, &apperrors.CredentialError{Target: name, Err: fmt.Errorf("%w: %w", apperrors.ErrRequestCanceled, err)}
	}
	defer lock.Release(1)

	tok, err := c.fetch(ctx, name, target, grant)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	c.refreshes.Add(1)
	c.store(name, tok)

	return tok, nil
}

// Clear drops the cached token for one target.
func (c *Cache) Clear(name string) {
	c.mu.Lock()
	delete(c.tokens, name)
	c.mu.Unlock()

	c.logger.Debug("oauth token cleared", slog.String("target", name))
}

// ClearAll drops every cached token.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	n := len(c.tokens)
	c.tokens = make(map[string]*Token)
	c.mu.Unlock()

	c.logger.Info("oauth token cache cleared", slog.Int("tokens", n))
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() models.TokenCacheStats {
	c.mu.RLock()
	cached := len(c.tokens)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	return models.TokenCacheStats{
		CacheHits:    hits,
		CacheMisses:  misses,
		Acquisitions: c.acquisitions.Load(),
		Refreshes:    c.refreshes.Load(),
		Failures:     c.failures.Load(),
		CachedTokens: cached,
		HitRate:      models.Ratio(hits, hits+misses),
	}
}

// cached returns the token for name if present and not expired.
func (c *Cache) cached(name string) *Token {
	c.mu.RLock()
	tok := c.tokens[name]
	c.mu.RUnlock()

	if tok == nil || tok.IsExpired(c.now()) {
		return nil
	}

	return tok
}

func (c *Cache) store(name string, tok *Token) {
	c.mu.Lock()
	c.tokens[name] = tok
	c.mu.Unlock()
}

func (c *Cache) lockFor(name string) *semaphore.Weighted {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()

	lock, ok := c.locks[name]
	if !ok {
		lock = semaphore.NewWeighted(1)
		c.locks[name] = lock
	}

	return lock
}

// TokenEndpoint returns authData.token_endpoint, or {endpoint}/oauth/token.
func TokenEndpoint(target models.TargetConfig) string {
	if ep := target.AuthData[keyTokenEndpoint]; ep != "" {
		return ep
	}

	return strings.TrimRight(target.Endpoint, "/") + defaultTokenPath
}

// fetch performs the token endpoint round trip.
func (c *Cache) fetch(ctx context.Context, name string, target models.TargetConfig, grant GrantType) (*Token, error) {
	endpoint := TokenEndpoint(target)
	form, basic := buildForm(grant, target.AuthData)
	encoded := form.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, &apperrors.CredentialError{Target: name, Err: fmt.Errorf("%w: building request: %v", apperrors.ErrTokenAcquisition, err)}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if basic {
		req.SetBasicAuth(target.AuthData[keyClientID], target.AuthData[keyClientSecret])
	}

	c.logger.Debug("requesting oauth token",
		slog.String("target", name),
		slog.String("grant_type", string(grant)),
		slog.String("endpoint", endpoint),
		slog.Bool("basic_auth", basic),
	)

	started := c.now()

	resp, err := c.clients.For(target.IgnoreCertificateValidation).Do(req)
	if err != nil {
		c.logger.Warn("oauth token request failed",
			slog.String("target", name),
			slog.String("error", err.Error()),
		)

		return nil, &apperrors.CredentialError{Target: name, Err: fmt.Errorf("%w: %w", apperrors.ErrTokenAcquisition, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, &apperrors.CredentialError{Target: name, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: reading response: %v", apperrors.ErrTokenAcquisition, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("oauth token endpoint rejected request",
			slog.String("target", name),
			slog.Int("status", resp.StatusCode),
			slog.String("body", sanitize.Body(body)),
		)

		return nil, &apperrors.CredentialError{Target: name, StatusCode: resp.StatusCode, Err: apperrors.ErrTokenAcquisition}
	}

	tok, err := parseTokenResponse(body, started)
	if err != nil {
		c.logger.Warn("oauth token endpoint returned an unusable response",
			slog.String("target", name),
			slog.String("body", sanitize.Body(body)),
		)

		return nil, &apperrors.CredentialError{Target: name, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Info("oauth token acquired",
		slog.String("target", name),
		slog.String("token_type", tok.TokenType),
		slog.Int("expires_in", tok.ExpiresIn),
	)

	return tok, nil
}

// parseTokenResponse decodes an RFC 6749 section 5.1 response. expires_in
// may arrive as a number or a numeric string.
func parseTokenResponse(body []byte, acquiredAt time.Time) (*Token, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", apperrors.ErrInvalidTokenResponse)
	}

	doc := gjson.ParseBytes(body)

	access := doc.Get("access_token").String()
	if access == "" {
		return nil, fmt.Errorf("%w: missing access_token", apperrors.ErrInvalidTokenResponse)
	}

	tokenType := doc.Get("token_type").String()
	if tokenType == "" {
		tokenType = defaultTokenType
	}

	expiresIn := defaultExpiresIn
	if v := doc.Get("expires_in"); v.Exists() && v.Type != gjson.Null {
		expiresIn = int(v.Int())
	}

	return &Token{
		AccessToken:  access,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		RefreshToken: doc.Get("refresh_token").String(),
		Scope:        doc.Get("scope").String(),
		AcquiredAt:   acquiredAt,
	}, nil
}
