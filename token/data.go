package token

import (
	"encoding/json"
	"time"
)

// Type is the kind of a token, as described in spec.md §3.
type Type string

const (
	TypeSession  Type = "session"
	TypeUser     Type = "user"
	TypeNotebook Type = "notebook"
	TypeInternal Type = "internal"
	TypeService  Type = "service"
	TypeOIDC     Type = "oidc"
)

// Data is the persisted representation of a token, stored under
// "token:<key>" in the key-value store. Secret is compared against a
// presented candidate in constant time by VerifySecret; it is never logged
// and never appears in the relational store (store/sql), which indexes
// tokens by Key alone.
type Data struct {
	Key        string    `json:"key"`
	Secret     string    `json:"secret"`
	Username   string    `json:"username"`
	TokenType  Type      `json:"token_type"`
	Scopes     []string  `json:"scopes"`
	Created    time.Time `json:"created"`
	Expires    *time.Time `json:"expires,omitempty"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	UID        int64     `json:"uid,omitempty"`
	GID        int64     `json:"gid,omitempty"`
	Groups     []string  `json:"groups,omitempty"`

	// ParentKey is set for derived (notebook/internal) tokens.
	ParentKey string `json:"parent_key,omitempty"`
	// Service names the downstream service an internal token was minted for.
	Service string `json:"service,omitempty"`
}

// HasScope reports whether d carries scope s.
func (d *Data) HasScope(s string) bool {
	for _, have := range d.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// ScopeSet returns the token's scopes as a set for fast membership tests.
func (d *Data) ScopeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(d.Scopes))
	for _, s := range d.Scopes {
		set[s] = struct{}{}
	}
	return set
}

// Expired reports whether the token is expired as of now.
func (d *Data) Expired(now time.Time) bool {
	return d.Expires != nil && !d.Expires.After(now)
}

// RemainingLifetime returns how much longer the token is valid for as of
// now. A token with no expiry returns 0 with ok=false (the caller should
// treat "no expiry" as "always satisfies minimum lifetime").
func (d *Data) RemainingLifetime(now time.Time) (remaining time.Duration, ok bool) {
	if d.Expires == nil {
		return 0, false
	}
	return d.Expires.Sub(now), true
}

// Marshal serializes Data for storage in the key-value store.
func (d *Data) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal deserializes Data as stored in the key-value store.
func Unmarshal(b []byte) (*Data, error) {
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
