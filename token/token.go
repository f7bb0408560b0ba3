// Package token implements the opaque bearer token format used throughout
// the gateway: a key that indexes persistent state and a secret that is the
// bearer proof, rendered as "gt-<key>.<secret>".
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

const (
	// Prefix identifies the opaque token format on the wire.
	Prefix = "gt-"

	keyBytes    = 16
	secretBytes = 16
)

// ErrMalformed is returned when a string does not parse as a Token.
var ErrMalformed = errors.New("token: malformed token string")

// Token is an opaque bearer token: a Key that indexes the persisted
// Data and a Secret that is only ever compared in constant time,
// never logged or returned in an error message.
type Token struct {
	Key    string
	Secret string
}

// New mints a fresh Token with cryptographically random Key and Secret.
func New() (Token, error) {
	key, err := randomID(keyBytes)
	if err != nil {
		return Token{}, err
	}
	secret, err := randomID(secretBytes)
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, Secret: secret}, nil
}

func randomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// String renders the token in its wire format, gt-<key>.<secret>.
func (t Token) String() string {
	return Prefix + t.Key + "." + t.Secret
}

// Equal reports whether two tokens are the same, comparing the secret in
// constant time.
func (t Token) Equal(other Token) bool {
	if t.Key != other.Key {
		return false
	}
	return hmac.Equal([]byte(t.Secret), []byte(other.Secret))
}

// IsZero reports whether t is the zero Token.
func (t Token) IsZero() bool {
	return t.Key == "" && t.Secret == ""
}

// Parse parses a token string of the form gt-<key>.<secret>.
func Parse(s string) (Token, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Token{}, ErrMalformed
	}
	rest := s[len(Prefix):]
	key, secret, ok := strings.Cut(rest, ".")
	if !ok || key == "" || secret == "" {
		return Token{}, ErrMalformed
	}
	return Token{Key: key, Secret: secret}, nil
}

// VerifySecret reports whether candidate matches secret, in constant time.
func VerifySecret(candidate, secret string) bool {
	return hmac.Equal([]byte(candidate), []byte(secret))
}
