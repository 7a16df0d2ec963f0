// Package proxy relays client requests to their configured upstream,
// attaching the target's real credential on the way through. In chain
// mode it relays to a downstream relay instance instead.
package proxy

//go:generate mockgen -destination=mock_deps_test.go -package=proxy . TargetResolver,TokenProvider,RequestSigner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/token-relay/internal/auth"
	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/httpclient"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/models"
	"github.com/alexjbarnes/token-relay/internal/oauth"
)

// Mode selects where requests are forwarded.
type Mode string

const (
	// ModeDirect forwards to the target's own endpoint.
	ModeDirect Mode = "direct"
	// ModeChain forwards to the downstream relay configured as the chain hop.
	ModeChain Mode = "chain"
)

const (
	DefaultTimeout      = 100 * time.Second
	DefaultMaxBodyBytes = 10 << 20

	// RoutePrefix is the path prefix the forwarder is mounted under.
	RoutePrefix = "/proxy"

	sseBufferSize = 4096
)

// TargetResolver resolves target names to configuration.
type TargetResolver interface {
	Lookup(name string) (models.TargetConfig, error)
	Chain() *models.ChainTarget
}

// TokenProvider returns OAuth 2.0 access tokens.
type TokenProvider interface {
	Acquire(ctx context.Context, name string, target models.TargetConfig) (*oauth.Token, error)
}

// RequestSigner produces OAuth 1.0a Authorization header values.
type RequestSigner interface {
	Sign(targetName string, target models.TargetConfig, method, rawURL string) (string, error)
}

// Config holds the forwarder's collaborators and limits.
type Config struct {
	Mode    Mode
	Targets TargetResolver
	Tokens  TokenProvider
	Signer  RequestSigner
	Clients *httpclient.Pool
	Logger  *slog.Logger

	// DefaultTimeout applies when a target sets no timeoutSeconds.
	DefaultTimeout time.Duration
	MaxBodyBytes   int64
}

// Forwarder is an http.Handler that executes one relay per request.
type Forwarder struct {
	mode           Mode
	targets        TargetResolver
	tokens         TokenProvider
	signer         RequestSigner
	clients        *httpclient.Pool
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxBodyBytes   int64
}

// New creates a Forwarder. Zero limits take their defaults.
func New(cfg Config) *Forwarder {
	f := &Forwarder{
		mode:           cfg.Mode,
		targets:        cfg.Targets,
		tokens:         cfg.Tokens,
		signer:         cfg.Signer,
		clients:        cfg.Clients,
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		maxBodyBytes:   cfg.MaxBodyBytes,
	}

	if f.mode == "" {
		f.mode = ModeDirect
	}

	if f.clients == nil {
		f.clients = httpclient.NewPool()
	}

	if f.logger == nil {
		f.logger = logging.Discard()
	}

	if f.defaultTimeout <= 0 {
		f.defaultTimeout = DefaultTimeout
	}

	if f.maxBodyBytes <= 0 {
		f.maxBodyBytes = DefaultMaxBodyBytes
	}

	return f
}

// Mode returns the forwarding mode.
func (f *Forwarder) Mode() Mode {
	return f.mode
}

// hop is the resolved destination of one relayed request.
type hop struct {
	// target is the name the caller asked for; credName keys the
	// credential caches and differs from target only for the chain hop.
	target   string
	credName string
	config   models.TargetConfig
	url      *url.URL
	header   http.Header
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	name := r.Header.Get(models.HeaderTarget)
	if name == "" {
		f.fail(w, r, "", apperrors.ErrMissingTargetHeader)
		return
	}

	var (
		h   *hop
		err error
	)

	if f.mode == ModeChain {
		h, err = f.chainHop(r, name)
	} else {
		h, err = f.directHop(r, name)
	}

	if err != nil {
		f.fail(w, r, name, err)
		return
	}

	if err := f.injectCredential(r.Context(), r.Method, h); err != nil {
		f.fail(w, r, name, err)
		return
	}

	body, err := readBody(w, r, f.maxBodyBytes)
	if err != nil {
		f.fail(w, r, name, err)
		return
	}

	resp, cancel, err := f.send(r, h, body)
	if err != nil {
		f.fail(w, r, name, err)
		return
	}
	defer cancel(nil)
	defer resp.Body.Close()

	f.relay(w, r, h, resp, start)
}

// directHop resolves a request bound for the real upstream.
func (f *Forwarder) directHop(r *http.Request, name string) (*hop, error) {
	target, err := f.targets.Lookup(name)
	if err != nil {
		return nil, err
	}

	query, err := ResolveQuery(r.URL.RawQuery, target.QueryParams)
	if err != nil {
		return nil, err
	}

	u, err := buildURL(target.Endpoint, strings.TrimPrefix(r.URL.EscapedPath(), RoutePrefix), query)
	if err != nil {
		return nil, &apperrors.ConfigError{Target: name, Field: "endpoint", Reason: "invalid URL"}
	}

	header := outboundHeaders(r.Header, target.Headers)
	header.Set(models.HeaderOrigin, originFor(r.Header, auth.ClientIP(r)))

	return &hop{target: name, credName: name, config: target, url: u, header: header}, nil
}

// chainHop resolves a request bound for the downstream relay. The query
// string is passed through untouched; placeholders are resolved by the
// downstream, which owns the target configuration.
func (f *Forwarder) chainHop(r *http.Request, name string) (*hop, error) {
	chain := f.targets.Chain()
	if chain == nil {
		return nil, apperrors.ErrChainNotConfigured
	}

	path := RoutePrefix + strings.TrimPrefix(r.URL.EscapedPath(), RoutePrefix)

	u, err := buildURL(chain.Endpoint, path, r.URL.RawQuery)
	if err != nil {
		return nil, &apperrors.ConfigError{Target: models.ChainTargetName, Field: "endpoint", Reason: "invalid URL"}
	}

	header := outboundHeaders(r.Header, chain.Headers)
	header.Set(models.HeaderTarget, name)
	header.Set(models.HeaderAuth, chain.Token)
	header.Set(models.HeaderChain, "true")
	header.Set(models.HeaderOrigin, originFor(r.Header, auth.ClientIP(r)))

	return &hop{target: name, credName: models.ChainTargetName, config: chain.TargetConfig, url: u, header: header}, nil
}

// buildURL joins an escaped path and raw query onto base.
func buildURL(base, escapedPath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("endpoint is not absolute")
	}

	joined := u.EscapedPath()
	if escapedPath != "" {
		joined = singleJoiningSlash(joined, escapedPath)
	}

	unescaped, err := url.PathUnescape(joined)
	if err != nil {
		return nil, err
	}

	u.Path = unescaped
	u.RawPath = joined
	u.RawQuery = rawQuery

	return u, nil
}

// injectCredential sets Authorization according to the hop's auth type.
// Static and none targets carry their credentials in configured headers.
func (f *Forwarder) injectCredential(ctx context.Context, method string, h *hop) error {
	switch h.config.AuthType {
	case models.AuthOAuth:
		tok, err := f.tokens.Acquire(ctx, h.credName, h.config)
		if err != nil {
			return err
		}

		h.header.Set("Authorization", tok.AuthorizationValue())

	case models.AuthOAuth1:
		v, err := f.signer.Sign(h.credName, h.config, method, h.url.String())
		if err != nil {
			return err
		}

		h.header.Set("Authorization", v)
	}

	return nil
}

// readBody buffers the inbound body so the outbound request has a fixed
// Content-Length even when the caller used chunked encoding.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: limit is %d bytes", apperrors.ErrBodyTooLarge, limit)
		}

		if ctxErr := r.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrRequestCanceled, ctxErr)
		}

		return nil, fmt.Errorf("%w: %v", errBadRequestBody, err)
	}

	return data, nil
}

var errBadRequestBody = errors.New("reading request body")

// send issues the outbound request. The timeout covers the round trip up
// to the response headers; the body is then streamed without a deadline
// so long-lived event streams are not cut off. The returned cancel func
// must be called once the response body is consumed.
func (f *Forwarder) send(r *http.Request, h *hop, body []byte) (*http.Response, context.CancelCauseFunc, error) {
	ctx, cancel := context.WithCancelCause(r.Context())

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, h.url.String(), reader)
	if err != nil {
		cancel(nil)
		return nil, nil, &apperrors.UpstreamError{Target: h.target, Err: fmt.Errorf("%w: building request: %v", apperrors.ErrUpstreamUnreachable, err)}
	}

	req.Header = h.header

	timeout := h.config.Timeout(f.defaultTimeout)
	timer := time.AfterFunc(timeout, func() {
		cancel(apperrors.ErrUpstreamTimeout)
	})

	resp, err := f.clients.For(h.config.IgnoreCertificateValidation).Do(req)
	timer.Stop()

	if err != nil {
		cause := context.Cause(ctx)
		cancel(nil)

		return nil, nil, classifySendError(r.Context(), cause, h.target, err)
	}

	return resp, cancel, nil
}

// classifySendError maps a transport failure to timeout, cancellation or
// unreachable. The URL is dropped from the message since resolved query
// placeholders may carry secrets.
func classifySendError(parent context.Context, cause error, target string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	switch {
	case errors.Is(cause, apperrors.ErrUpstreamTimeout):
		return &apperrors.UpstreamError{Target: target, Err: fmt.Errorf("%w: %v", apperrors.ErrUpstreamTimeout, err)}
	case parent.Err() != nil:
		return &apperrors.UpstreamError{Target: target, Err: fmt.Errorf("%w: %w", apperrors.ErrRequestCanceled, parent.Err())}
	case urlErr != nil && urlErr.Timeout():
		return &apperrors.UpstreamError{Target: target, Err: fmt.Errorf("%w: %v", apperrors.ErrUpstreamTimeout, err)}
	default:
		return &apperrors.UpstreamError{Target: target, Err: fmt.Errorf("%w: %v", apperrors.ErrUpstreamUnreachable, err)}
	}
}

// relay writes the upstream response back to the caller. The status code
// is passed through unchanged, error statuses included.
func (f *Forwarder) relay(w http.ResponseWriter, r *http.Request, h *hop, resp *http.Response, start time.Time) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(models.HeaderProxied, "true")
	// A nil value stops net/http adding its own Date header.
	w.Header()["Date"] = nil

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		f.streamSSE(w, r, h, resp, start)
		return
	}

	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)

	attrs := []any{
		slog.String("target", h.target),
		slog.String("method", r.Method),
		slog.String("upstream", h.url.Host),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", n),
		slog.Duration("duration", time.Since(start)),
	}

	if err != nil {
		f.logger.Warn("proxy response copy interrupted", append(attrs, slog.String("error", err.Error()))...)
		return
	}

	f.logger.Info("proxy request complete", attrs...)
}

// streamSSE flushes each chunk of an event stream as it arrives.
func (f *Forwarder) streamSSE(w http.ResponseWriter, r *http.Request, h *hop, resp *http.Response, start time.Time) {
	rc := http.NewResponseController(w)

	w.WriteHeader(resp.StatusCode)
	_ = rc.Flush()

	buf := make([]byte, sseBufferSize)
	var total int64

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			written, writeErr := w.Write(buf[:n])
			total += int64(written)

			if writeErr != nil {
				f.logger.Warn("client disconnected during event stream",
					slog.String("target", h.target),
					slog.Int64("bytes", total),
					slog.Duration("duration", time.Since(start)),
				)

				return
			}

			_ = rc.Flush()
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && r.Context().Err() == nil {
				f.logger.Warn("upstream error during event stream",
					slog.String("target", h.target),
					slog.String("error", err.Error()),
					slog.Int64("bytes", total),
				)
			}

			break
		}
	}

	f.logger.Info("proxy event stream complete",
		slog.String("target", h.target),
		slog.String("method", r.Method),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", total),
		slog.Duration("duration", time.Since(start)),
	)
}
