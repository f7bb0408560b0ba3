package oidcprovider

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Well-known scopes that control which claims newIDToken adds, spec.md
// §4.3. Any other requested scope is passed through to the `scope` claim
// as long as it is in the configured known-scope set, but adds nothing to
// the claim set itself.
const (
	scopeOpenID  = "openid"
	scopeProfile = "profile"
	scopeEmail   = "email"
)

// idTokenClaims is the claim set spec.md §4.3 names exactly: iss, sub,
// aud, iat, exp, jti, scope, plus name/preferred_username/email gated on
// scope, plus nonce when the authorization request supplied one.
type idTokenClaims struct {
	Issuer   string `json:"iss"`
	Subject  string `json:"sub"`
	Audience string `json:"aud"`
	IssuedAt int64  `json:"iat"`
	Expiry   int64  `json:"exp"`
	JTI      string `json:"jti"`
	Scope    string `json:"scope"`
	Nonce    string `json:"nonce,omitempty"`

	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
}

// userClaimsSource supplies the identity fields an ID token may carry.
// Provider.Token fills it from the session's token.Data.
type userClaimsSource struct {
	Username string
	Name     string
	Email    string
}

func newIDTokenClaims(issuer, clientID, username, jti string, scopes []string, issuedAt, expires time.Time, nonce string, user userClaimsSource) idTokenClaims {
	claims := idTokenClaims{
		Issuer:   issuer,
		Subject:  username,
		Audience: clientID,
		IssuedAt: issuedAt.Unix(),
		Expiry:   expires.Unix(),
		JTI:      jti,
		Scope:    strings.Join(scopes, " "),
		Nonce:    nonce,
	}
	for _, scope := range scopes {
		switch scope {
		case scopeProfile:
			claims.Name = user.Name
			claims.PreferredUsername = user.Username
		case scopeEmail:
			claims.Email = user.Email
		}
	}
	return claims
}

func (k *SigningKey) signIDToken(claims idTokenClaims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return k.sign(payload)
}

// filterScopes keeps only the requested scopes that are in known, sorted
// for deterministic responses, matching dex's own "filtered subset of
// requested scopes that are recognized" idiom for the token response.
func filterScopes(requested []string, known map[string]struct{}) []string {
	var out []string
	for _, s := range requested {
		if _, ok := known[s]; ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func scopeSet(scopes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return set
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
