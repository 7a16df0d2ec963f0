// Package oauth1 signs outgoing requests per RFC 5849 (OAuth 1.0a) with
// HMAC-SHA1 or HMAC-SHA256. The signer keeps no per-target state: every
// call gets a fresh nonce and timestamp.
package oauth1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is mandated by RFC 5849 providers
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/models"
)

// Signature methods.
const (
	MethodHMACSHA1   = "HMAC-SHA1"
	MethodHMACSHA256 = "HMAC-SHA256"
)

const (
	oauthVersion = "1.0"

	// nonceBytes gives 128 bits of entropy per nonce.
	nonceBytes = 16
)

// Credentials is the OAuth1 view over a target's authData.
type Credentials struct {
	ConsumerKey     string
	ConsumerSecret  string
	TokenID         string
	TokenSecret     string
	Realm           string
	SignatureMethod string
}

// CredentialsFrom validates authData and extracts the OAuth1 credential
// set. All five secrets and identifiers are required; signature_method
// defaults to HMAC-SHA256.
func CredentialsFrom(targetName string, target models.TargetConfig) (Credentials, error) {
	if target.AuthType != models.AuthOAuth1 {
		return Credentials{}, &apperrors.ConfigError{Target: targetName, Reason: "authType is not oauth1"}
	}

	data := target.AuthData
	for _, field := range []string{"consumer_key", "consumer_secret", "token_id", "token_secret", "realm"} {
		if data[field] == "" {
			return Credentials{}, apperrors.MissingField(targetName, field)
		}
	}

	method := data["signature_method"]
	switch strings.ToUpper(method) {
	case "":
		method = MethodHMACSHA256
	case MethodHMACSHA1, MethodHMACSHA256:
		method = strings.ToUpper(method)
	default:
		return Credentials{}, &apperrors.ConfigError{Target: targetName, Field: "signature_method", Reason: "unsupported value for"}
	}

	return Credentials{
		ConsumerKey:     data["consumer_key"],
		ConsumerSecret:  data["consumer_secret"],
		TokenID:         data["token_id"],
		TokenSecret:     data["token_secret"],
		Realm:           data["realm"],
		SignatureMethod: method,
	}, nil
}

// Signer produces Authorization headers for OAuth1 targets.
type Signer struct {
	logger *slog.Logger
	now    func() time.Time
	nonce  func() (string, error)

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
}

// NewSigner creates a signer using the wall clock and crypto/rand nonces.
func NewSigner(logger *slog.Logger) *Signer {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Signer{
		logger: logger,
		now:    time.Now,
		nonce:  randomNonce,
	}
}

// Sign validates the target's OAuth1 credentials and returns the value
// for the outgoing Authorization header. rawURL must be the full
// outbound URL including its query string.
func (s *Signer) Sign(targetName string, target models.TargetConfig, method, rawURL string) (string, error) {
	s.total.Add(1)

	header, err := s.sign(targetName, target, method, rawURL)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("oauth1 signing failed",
			slog.String("target", targetName),
			slog.String("error", err.Error()),
		)

		return "", err
	}

	s.successful.Add(1)
	s.logger.Debug("oauth1 request signed",
		slog.String("target", targetName),
		slog.String("method", method),
	)

	return header, nil
}

func (s *Signer) sign(targetName string, target models.TargetConfig, method, rawURL string) (string, error) {
	creds, err := CredentialsFrom(targetName, target)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", &apperrors.CredentialError{Target: targetName, Err: fmt.Errorf("%w: invalid request URL", apperrors.ErrSigning)}
	}

	nonce, err := s.nonce()
	if err != nil {
		return "", &apperrors.CredentialError{Target: targetName, Err: fmt.Errorf("%w: generating nonce: %v", apperrors.ErrSigning, err)}
	}

	return AuthorizationHeader(creds, method, u, s.now().Unix(), nonce), nil
}

// Stats returns a snapshot of the signing counters.
func (s *Signer) Stats() models.SignerStats {
	total := s.total.Load()
	ok := s.successful.Load()

	return models.SignerStats{
		Total:       total,
		Successful:  ok,
		Failed:      s.failed.Load(),
		SuccessRate: models.Ratio(ok, total),
	}
}

// AuthorizationHeader builds the complete "OAuth ..." header value for
// the given request, timestamp, and nonce.
func AuthorizationHeader(creds Credentials, method string, u *url.URL, timestamp int64, nonce string) string {
	ts := strconv.FormatInt(timestamp, 10)

	oauthParams := [][2]string{
		{"oauth_consumer_key", creds.ConsumerKey},
		{"oauth_token", creds.TokenID},
		{"oauth_signature_method", creds.SignatureMethod},
		{"oauth_timestamp", ts},
		{"oauth_nonce", nonce},
		{"oauth_version", oauthVersion},
	}

	params := make([][2]string, 0, len(oauthParams)+8)
	params = append(params, oauthParams...)

	for key, values := range u.Query() {
		for _, v := range values {
			params = append(params, [2]string{key, v})
		}
	}

	base := SignatureBaseString(method, NormalizeURL(u), params)
	signature := Signature(base, creds.ConsumerSecret, creds.TokenSecret, creds.SignatureMethod)

	var b strings.Builder
	b.WriteString(`OAuth realm="`)
	b.WriteString(PercentEncode(creds.Realm))
	b.WriteByte('"')

	for _, p := range oauthParams {
		fmt.Fprintf(&b, `, %s="%s"`, p[0], PercentEncode(p[1]))
	}

	fmt.Fprintf(&b, `, oauth_signature="%s"`, PercentEncode(signature))

	return b.String()
}

// SignatureBaseString builds METHOD&url&params per RFC 5849 section 3.4.1.
// params are sorted by key, then value.
func SignatureBaseString(method, normalizedURL string, params [][2]string) string {
	sorted := make([][2]string, len(params))
	copy(sorted, params)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	pairs := make([]string, len(sorted))
	for i, p := range sorted {
		pairs[i] = PercentEncode(p[0]) + "=" + PercentEncode(p[1])
	}

	return strings.ToUpper(method) + "&" + PercentEncode(normalizedURL) + "&" + PercentEncode(strings.Join(pairs, "&"))
}

// Signature computes the base64 HMAC of base keyed by the percent-encoded
// consumer and token secrets.
func Signature(base, consumerSecret, tokenSecret, method string) string {
	key := PercentEncode(consumerSecret) + "&" + PercentEncode(tokenSecret)

	var h func() hash.Hash
	if method == MethodHMACSHA1 {
		h = sha1.New
	} else {
		h = sha256.New
	}

	mac := hmac.New(h, []byte(key))
	mac.Write([]byte(base))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// NormalizeURL returns scheme://host[:port]/path with scheme and host
// lowercased, default ports dropped, and no query or fragment.
func NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	if port != "" {
		host = host + ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path
}

// PercentEncode encodes s per RFC 3986: ALPHA, DIGIT and "-._~" pass
// through, every other byte becomes %XX with uppercase hex.
func PercentEncode(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}

	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	default:
		return false
	}
}

func randomNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
