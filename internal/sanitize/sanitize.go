// Package sanitize strips secrets out of data before it reaches a log
// line or an error message. All functions are pure.
package sanitize

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// Redacted replaces any secret-bearing value.
	Redacted = "[REDACTED]"

	// maxBodyLen caps sanitized bodies so a misbehaving server cannot
	// flood the logs.
	maxBodyLen = 512
)

// sensitiveKeys are field names whose values must never be logged.
// Matching is case-insensitive and also applies to keys that contain
// one of the fragments in sensitiveFragments.
var sensitiveKeys = map[string]struct{}{
	"access_token":    {},
	"refresh_token":   {},
	"id_token":        {},
	"client_secret":   {},
	"consumer_secret": {},
	"token_secret":    {},
	"password":        {},
	"code":            {},
	"assertion":       {},
	"oauth_signature": {},
}

var sensitiveFragments = []string{"secret", "password", "token", "signature"}

// IsSensitiveKey reports whether a field or header name carries a secret.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}

	for _, frag := range sensitiveFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}

	return k == "authorization" || k == "token-relay-auth"
}

// Body returns a log-safe rendering of an HTTP response body. JSON
// objects keep their structure with sensitive values replaced; anything
// else is truncated and stripped of control characters.
func Body(body []byte) string {
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() || parsed.IsArray() {
			var b strings.Builder
			writeRedacted(&b, parsed)
			return truncate(b.String())
		}
	}

	return printable([]byte(truncate(string(body))))
}

func writeRedacted(b *strings.Builder, v gjson.Result) {
	switch {
	case v.IsObject():
		b.WriteByte('{')
		first := true
		v.ForEach(func(key, value gjson.Result) bool {
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(strconv.Quote(key.String()))
			b.WriteByte(':')
			if IsSensitiveKey(key.String()) && !value.IsObject() && !value.IsArray() {
				b.WriteString(strconv.Quote(Redacted))
				return true
			}
			writeRedacted(b, value)
			return true
		})
		b.WriteByte('}')
	case v.IsArray():
		b.WriteByte('[')
		for i, item := range v.Array() {
			if i > 0 {
				b.WriteByte(',')
			}
			writeRedacted(b, item)
		}
		b.WriteByte(']')
	default:
		b.WriteString(v.Raw)
	}
}

// Fields returns a copy of m with sensitive values redacted. Used to log
// authData maps.
func Fields(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}

	return out
}

// Keys returns the keys of m without their values.
func Keys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	return keys
}

func truncate(s string) string {
	if len(s) <= maxBodyLen {
		return s
	}

	cut := maxBodyLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "...(truncated)"
}

// printable replaces invalid UTF-8 and control characters so the result
// cannot be used for log injection.
func printable(body []byte) string {
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
