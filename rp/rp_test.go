package rp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authgw/authgw/gwerrors"
)

// testUpstream is a fake OIDC provider exposing discovery, JWKS, and token
// endpoints, grounded on dex's connector/oidc setupServer helper. The code
// "/token" always redeems, so tests instead vary the ID token's claims.
type testUpstream struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	claims map[string]interface{}
	noIDTok bool
}

func newTestUpstream(t *testing.T, claims map[string]interface{}) *testUpstream {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	u := &testUpstream{key: key, claims: claims}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		url := fmt.Sprintf("http://%s", r.Host)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 url,
			"token_endpoint":         url + "/token",
			"authorization_endpoint": url + "/authorize",
			"jwks_uri":               url + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "test-kid", Algorithm: "RS256", Use: "sig"}
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		url := fmt.Sprintf("http://%s", r.Host)
		out := make(map[string]interface{}, len(u.claims)+2)
		for k, v := range u.claims {
			out[k] = v
		}
		out["iss"] = url
		out["aud"] = "test-client-id"
		out["exp"] = time.Now().Add(time.Hour).Unix()
		out["iat"] = time.Now().Unix()

		idTok, err := u.sign(out)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]string{"access_token": idTok, "token_type": "Bearer"}
		if !u.noIDTok {
			resp["id_token"] = idTok
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	u.server = httptest.NewServer(mux)
	t.Cleanup(u.server.Close)
	return u
}

func (u *testUpstream) sign(claims map[string]interface{}) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       u.key,
	}, &jose.SignerOptions{ExtraHeaders: map[jose.HeaderKey]interface{}{"kid": "test-kid"}})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return sig.CompactSerialize()
}

func newTestProvider(t *testing.T, u *testUpstream, cfg Config) *Provider {
	t.Helper()
	cfg.Issuer = u.server.URL
	cfg.ClientID = "test-client-id"
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return p
}

func TestHandleCallbackExtractsClaims(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{
		"uid":    "alice",
		"name":   "Alice A",
		"email":  "alice@example.com",
		"groups": []string{"engineering", "sre"},
	})
	p := newTestProvider(t, u, Config{})

	cb, err := p.HandleCallback(context.Background(), "any-code")
	require.NoError(t, err)
	assert.Equal(t, "alice", cb.Claims.Username)
	assert.Equal(t, "Alice A", cb.Claims.Name)
	assert.Equal(t, "alice@example.com", cb.Claims.Email)
	assert.Equal(t, []string{"engineering", "sre"}, cb.Claims.Groups)
}

func TestHandleCallbackExtractsNumericUIDClaim(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{
		"uid": "bob",
		"gid": float64(1001),
	})
	p := newTestProvider(t, u, Config{UIDClaim: "gid"})

	cb, err := p.HandleCallback(context.Background(), "any-code")
	require.NoError(t, err)
	assert.Equal(t, "1001", cb.Claims.UID)
}

func TestHandleCallbackMissingUsernameClaim(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{
		"name": "No Username",
	})
	p := newTestProvider(t, u, Config{})

	_, err := p.HandleCallback(context.Background(), "any-code")
	require.Error(t, err)
	gwErr, ok := err.(*gwerrors.Error)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindMissingClaims, gwErr.Kind)
}

func TestHandleCallbackNonStringUsernameClaim(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{
		"uid": 12345,
	})
	p := newTestProvider(t, u, Config{})

	_, err := p.HandleCallback(context.Background(), "any-code")
	require.Error(t, err)
	gwErr, ok := err.(*gwerrors.Error)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindInvalidTokenClaims, gwErr.Kind)
}

func TestHandleCallbackMissingIDToken(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{"uid": "alice"})
	u.noIDTok = true
	p := newTestProvider(t, u, Config{})

	_, err := p.HandleCallback(context.Background(), "any-code")
	require.Error(t, err)
	gwErr, ok := err.(*gwerrors.Error)
	require.True(t, ok)
	assert.Equal(t, gwerrors.KindExternalUserInfo, gwErr.Kind)
}

func TestLoginURLUsesConfiguredState(t *testing.T) {
	u := newTestUpstream(t, map[string]interface{}{"uid": "alice"})
	p := newTestProvider(t, u, Config{ExtraScopes: []string{"groups"}})

	url := p.LoginURL("csrf-state-value")
	assert.Contains(t, url, "state=csrf-state-value")
	assert.Contains(t, url, "client_id=test-client-id")
}
