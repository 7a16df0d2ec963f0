// Package models defines types shared across internal packages.
package models

import "time"

// AuthType selects the credential strategy applied to a target.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthStatic AuthType = "static"
	AuthOAuth  AuthType = "oauth"
	AuthOAuth1 AuthType = "oauth1"
)

// Valid reports whether a is one of the supported auth types.
func (a AuthType) Valid() bool {
	switch a {
	case AuthNone, AuthStatic, AuthOAuth, AuthOAuth1:
		return true
	default:
		return false
	}
}

// TargetConfig describes one upstream the relay can forward to.
// Values are treated as immutable once handed to the forwarding
// pipeline; the maps must not be modified after load.
type TargetConfig struct {
	Endpoint                    string            `yaml:"endpoint" json:"endpoint"`
	Enabled                     bool              `yaml:"enabled" json:"enabled"`
	AuthType                    AuthType          `yaml:"authType" json:"authType"`
	AuthData                    map[string]string `yaml:"authData" json:"-"`
	Headers                     map[string]string `yaml:"headers" json:"-"`
	QueryParams                 map[string]string `yaml:"queryParams" json:"queryParams,omitempty"`
	IgnoreCertificateValidation bool              `yaml:"ignoreCertificateValidation" json:"ignoreCertificateValidation"`
	TimeoutSeconds              int               `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`
}

// Timeout returns the per-target timeout, or fallback when none is set.
func (t TargetConfig) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds) * time.Second
	}

	return fallback
}

// ChainTarget is the downstream relay hop used in chain mode. Token is
// the downstream's own TOKEN-RELAY-AUTH credential.
type ChainTarget struct {
	TargetConfig `yaml:",inline"`
	Token        string `yaml:"token" json:"-"`
}

// ChainTargetName is the cache key used for credentials presented to the
// downstream chain hop. Target names starting with ReservedPrefix cannot
// be configured, so it never collides with a real target.
const (
	ReservedPrefix  = "__"
	ChainTargetName = "__chain__"
)
