package oauth

import (
	"fmt"
	"time"
)

const (
	defaultTokenType = "Bearer"
	defaultExpiresIn = 3600
)

// Token is an access token acquired from a target's token endpoint.
// Tokens are immutable: a refresh stores a new *Token under the target
// key rather than updating fields, so readers never see a partial write.
type Token struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int
	RefreshToken string
	Scope        string
	AcquiredAt   time.Time
}

// ExpiresAt returns the instant the token stops being valid.
func (t *Token) ExpiresAt() time.Time {
	return t.AcquiredAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// IsExpired reports whether now is at or past the expiry instant.
// Tokens with zero or negative lifetimes are expired immediately.
func (t *Token) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt())
}

// AuthorizationValue returns "{token_type} {access_token}".
func (t *Token) AuthorizationValue() string {
	return t.TokenType + " " + t.AccessToken
}

// String redacts the token so it can be passed to loggers safely.
func (t *Token) String() string {
	return fmt.Sprintf("Token{Type: %s, ExpiresIn: %d, AcquiredAt: %s, AccessToken: [REDACTED]}",
		t.TokenType, t.ExpiresIn, t.AcquiredAt.Format(time.RFC3339))
}
