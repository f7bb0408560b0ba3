package oidcprovider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authgw/authgw/store/kv"
	"github.com/authgw/authgw/token"
)

// codeTTL bounds how long an authorization code survives unredeemed,
// spec.md §3's "short TTL (≤ 5 minutes)".
const codeTTL = 5 * time.Minute

// Authorization is spec.md §3's OIDCAuthorization: the server-side record
// an authorization code stands for between the login and token endpoints.
// Secret holds the code's bearer secret for constant-time verification on
// redemption; the code's key is the store key itself and is not repeated
// in the stored value.
type Authorization struct {
	Secret      string    `json:"secret"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	TokenKey    string    `json:"token_key"`
	Scopes      []string  `json:"scopes"`
	Created     time.Time `json:"created"`
	Nonce       string    `json:"nonce,omitempty"`
}

// codeStore persists Authorizations under "oidc:<code.key>", mirroring the
// "token:<key>" scheme token.Data uses in the same key-value store.
type codeStore struct {
	kv kv.Store
}

func codeKey(key string) string { return "oidc:" + key }

// create mints a fresh authorization code and stores auth under it. A
// collision on the random key is vanishingly unlikely; SetNX makes it a
// definite error rather than a silent overwrite if it ever happens.
func (s *codeStore) create(ctx context.Context, auth Authorization) (token.Token, error) {
	code, err := token.New()
	if err != nil {
		return token.Token{}, err
	}
	auth.Secret = code.Secret
	b, err := json.Marshal(auth)
	if err != nil {
		return token.Token{}, err
	}
	ok, err := s.kv.SetNX(ctx, codeKey(code.Key), b, codeTTL)
	if err != nil {
		return token.Token{}, err
	}
	if !ok {
		return token.Token{}, errCodeCollision
	}
	return code, nil
}

// consume looks up and deletes the authorization for code in one pass,
// enforcing single-use (spec.md §3: "successful redemption deletes the
// entry atomically"). It returns ok=false for any of: unknown code,
// corrupt stored value, or a secret mismatch — all indistinguishable to
// the caller, which folds them into one opaque invalid_grant response.
func (s *codeStore) consume(ctx context.Context, code token.Token) (*Authorization, bool) {
	raw, err := s.kv.Get(ctx, codeKey(code.Key))
	if err != nil {
		return nil, false
	}
	_ = s.kv.Delete(ctx, codeKey(code.Key))

	var auth Authorization
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, false
	}
	if !token.VerifySecret(code.Secret, auth.Secret) {
		return nil, false
	}
	return &auth, true
}
