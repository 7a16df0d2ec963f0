package oauth

import (
	"log/slog"
	"net/url"

	apperrors "github.com/alexjbarnes/token-relay/internal/errors"
	"github.com/alexjbarnes/token-relay/internal/models"
)

// GrantType is an OAuth 2.0 machine-to-machine grant.
type GrantType string

const (
	GrantPassword          GrantType = "password"
	GrantClientCredentials GrantType = "client_credentials"
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// authData keys with special meaning.
const (
	keyGrantType     = "grant_type"
	keyTokenEndpoint = "token_endpoint"
	keyClientID      = "client_id"
	keyClientSecret  = "client_secret"
)

// optionalFields are forwarded to the token endpoint when present for
// any known grant.
var optionalFields = []string{"scope", "audience", "resource"}

// Known reports whether g is one of the supported grant types.
func (g GrantType) Known() bool {
	switch g {
	case GrantPassword, GrantClientCredentials, GrantAuthorizationCode, GrantRefreshToken:
		return true
	default:
		return false
	}
}

// RequiredFields lists the authData fields g cannot work without.
// Unknown grants only require grant_type itself.
func (g GrantType) RequiredFields() []string {
	switch g {
	case GrantPassword:
		return []string{"username", "password", keyClientID}
	case GrantClientCredentials:
		return []string{keyClientID, keyClientSecret}
	case GrantAuthorizationCode:
		return []string{keyClientID, keyClientSecret, "code", "redirect_uri"}
	case GrantRefreshToken:
		return []string{keyClientID, "refresh_token"}
	default:
		return nil
	}
}

// formFields lists the authData fields that travel in the request body
// for a known grant, excluding client_secret.
func (g GrantType) formFields() []string {
	switch g {
	case GrantPassword:
		return []string{"username", "password", keyClientID}
	case GrantClientCredentials:
		return []string{keyClientID}
	case GrantAuthorizationCode:
		return []string{keyClientID, "code", "redirect_uri", "code_verifier"}
	case GrantRefreshToken:
		return []string{keyClientID, "refresh_token"}
	default:
		return nil
	}
}

// usesBasicAuth reports whether client_secret should be sent as HTTP
// Basic credentials. The password grant keeps the secret in the form
// body alongside the resource owner credentials.
func (g GrantType) usesBasicAuth(data map[string]string) bool {
	return data[keyClientSecret] != "" && g != GrantPassword
}

// validateGrant checks that target is an oauth target whose authData
// carries every field its grant type requires. No network call is made.
func validateGrant(targetName string, target models.TargetConfig, logger *slog.Logger) (GrantType, error) {
	if target.AuthType != models.AuthOAuth {
		return "", &apperrors.ConfigError{Target: targetName, Reason: "authType is not oauth"}
	}

	if len(target.AuthData) == 0 {
		return "", &apperrors.ConfigError{Target: targetName, Reason: "authData is empty"}
	}

	grant := GrantType(target.AuthData[keyGrantType])
	if grant == "" {
		return "", apperrors.MissingField(targetName, keyGrantType)
	}

	if !grant.Known() {
		logger.Warn("unknown grant type, only grant_type is validated",
			slog.String("target", targetName),
			slog.String("grant_type", string(grant)),
		)
	}

	for _, field := range grant.RequiredFields() {
		if target.AuthData[field] == "" {
			return "", apperrors.MissingField(targetName, field)
		}
	}

	return grant, nil
}

// buildForm assembles the token request body. The returned bool is true
// when client credentials must go in an Authorization: Basic header.
func buildForm(grant GrantType, data map[string]string) (url.Values, bool) {
	form := url.Values{}
	form.Set(keyGrantType, string(grant))

	basic := grant.usesBasicAuth(data)

	if !grant.Known() {
		for k, v := range data {
			if k == keyGrantType || k == keyTokenEndpoint || v == "" {
				continue
			}
			if basic && k == keyClientSecret {
				continue
			}
			form.Set(k, v)
		}

		return form, basic
	}

	for _, field := range grant.formFields() {
		if v := data[field]; v != "" {
			form.Set(field, v)
		}
	}

	if !basic && data[keyClientSecret] != "" {
		form.Set(keyClientSecret, data[keyClientSecret])
	}

	for _, field := range optionalFields {
		if v := data[field]; v != "" {
			form.Set(field, v)
		}
	}

	return form, basic
}
