// Package auth authenticates relay clients. Every protected request must
// carry one of the configured TOKEN-RELAY-AUTH values.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// bcryptPrefix marks an AUTH_TOKENS entry as a bcrypt hash rather than a
// plain token.
const bcryptPrefix = "$2"

// Store holds the accepted client tokens. Plain tokens are kept only as
// SHA-256 digests.
type Store struct {
	plain  [][sha256.Size]byte
	hashed [][]byte

	// verified remembers digests of tokens that already matched a bcrypt
	// entry so repeat requests skip the expensive comparison.
	verified sync.Map
}

// NewStore builds a store from configured tokens. Entries starting with
// "$2" are treated as bcrypt hashes. Empty entries are ignored.
func NewStore(tokens []string) *Store {
	s := &Store{}

	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		if strings.HasPrefix(t, bcryptPrefix) {
			s.hashed = append(s.hashed, []byte(t))
			continue
		}

		s.plain = append(s.plain, sha256.Sum256([]byte(t)))
	}

	return s
}

// Len returns the number of accepted tokens.
func (s *Store) Len() int {
	return len(s.plain) + len(s.hashed)
}

// Valid reports whether token matches any accepted entry. Plain entries
// are compared in constant time over fixed-length digests, and every
// entry is checked so timing does not reveal which one matched.
func (s *Store) Valid(token string) bool {
	if token == "" {
		return false
	}

	digest := sha256.Sum256([]byte(token))

	match := 0
	for i := range s.plain {
		match |= subtle.ConstantTimeCompare(s.plain[i][:], digest[:])
	}

	if match == 1 {
		return true
	}

	if len(s.hashed) == 0 {
		return false
	}

	if _, ok := s.verified.Load(digest); ok {
		return true
	}

	for _, h := range s.hashed {
		if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
			s.verified.Store(digest, struct{}{})
			return true
		}
	}

	return false
}

// HashToken returns a bcrypt hash suitable for AUTH_TOKENS.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(h), nil
}
