package errors

import (
	"errors"
	"fmt"
)

// Client errors. These map to 4xx responses at the HTTP boundary.
var (
	ErrMissingTargetHeader = errors.New("missing TOKEN-RELAY-TARGET header")
	ErrTargetNotFound      = errors.New("target not found")
	ErrInvalidConfig       = errors.New("invalid target configuration")
	ErrUnknownPlaceholder  = errors.New("unknown query placeholder")
	ErrBodyTooLarge        = errors.New("request body too large")
)

// Credential errors. The relay could not authenticate on the caller's behalf.
var (
	ErrTokenAcquisition     = errors.New("token acquisition failed")
	ErrInvalidTokenResponse = errors.New("invalid token response")
	ErrSigning              = errors.New("request signing failed")
)

// Upstream/transport errors.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrRequestCanceled     = errors.New("request canceled")
	ErrChainNotConfigured  = errors.New("chain mode has no downstream hop configured")
)

// ConfigError reports a malformed or incomplete target configuration.
// It never carries secret values, only the offending field name.
type ConfigError struct {
	Target string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field != "" && e.Reason != "":
		return fmt.Sprintf("target %q: %s: %s", e.Target, e.Reason, e.Field)
	case e.Field != "":
		return fmt.Sprintf("target %q: missing field: %s", e.Target, e.Field)
	default:
		return fmt.Sprintf("target %q: %s", e.Target, e.Reason)
	}
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// MissingField returns a ConfigError for a required field that is absent.
func MissingField(target, field string) *ConfigError {
	return &ConfigError{Target: target, Field: field}
}

// CredentialError wraps a failure to obtain or build a credential for a
// target. StatusCode is the token endpoint's HTTP status, or 0 when the
// endpoint was never reached.
type CredentialError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential for target %q (status %d): %v", e.Target, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("credential for target %q: %v", e.Target, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// UpstreamError wraps a failure talking to the real upstream or the
// downstream chain hop.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("forwarding to target %q: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsCredential reports whether err is a credential-acquisition failure.
func IsCredential(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
