// Package oidcprovider implements the gateway's own OIDC Provider surface,
// spec.md §4.3: login/token/userinfo endpoints plus discovery and JWKS
// publication. It is grounded on dex's server/oauth2.go, handlers.go,
// discoveryhandlers.go, and publickeyshandlers.go, generalized from dex's
// multi-connector authorization-request machinery down to this gateway's
// single implicit "identity provider" (whichever session cookie the
// request already carries) and single signing key.
package oidcprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/store/kv"
	"github.com/authgw/authgw/token"
)

// ParentTokenSource resolves the session token underlying an authorization
// code's token_key. tokensvc.Service.PeekData satisfies this.
type ParentTokenSource interface {
	PeekData(ctx context.Context, key string) (*token.Data, error)
}

// Config configures a Provider. KnownScopes is the gateway's configured
// `known_scopes` map's key set (spec.md §6); "openid", "profile", and
// "email" are always recognized regardless of configuration.
type Config struct {
	Issuer      string
	Clients     map[string]Client
	SigningKey  *SigningKey
	KnownScopes []string
	Now         func() time.Time
}

// Provider is the gateway's own OIDC Provider.
type Provider struct {
	issuer          string
	clients         map[string]Client
	signingKey      *SigningKey
	codes           *codeStore
	tokens          ParentTokenSource
	knownScopes     map[string]struct{}
	knownScopesList []string
	now             func() time.Time
}

var builtinScopes = []string{scopeOpenID, scopeProfile, scopeEmail}

// New builds a Provider. codeKV backs the authorization code store; tokens
// resolves a code's underlying session.
func New(cfg Config, codeKV kv.Store, tokens ParentTokenSource) *Provider {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	all := append(append([]string(nil), builtinScopes...), cfg.KnownScopes...)
	return &Provider{
		issuer:          strings.TrimRight(cfg.Issuer, "/"),
		clients:         cfg.Clients,
		signingKey:      cfg.SigningKey,
		codes:           &codeStore{kv: codeKV},
		tokens:          tokens,
		knownScopes:     scopeSet(all),
		knownScopesList: all,
		now:             now,
	}
}

// Discovery serves /.well-known/openid-configuration.
func (p *Provider) Discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.discoveryDocument())
}

// JWKS serves /.well-known/jwks.json.
func (p *Provider) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=3600, must-revalidate")
	_ = json.NewEncoder(w).Encode(p.signingKey.JWKS())
}

// Login handles GET /auth/openid/login. session is the caller's currently
// authenticated token, resolved by the server package's handleOIDCLogin
// before calling Login; session == nil means the request carries no valid
// session.
func (p *Provider) Login(w http.ResponseWriter, r *http.Request, session *token.Data) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	client, ok := p.clients[clientID]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient, "unknown client_id")
		return
	}
	if !client.sameOrigin(redirectURI) {
		writeJSONError(w, http.StatusUnprocessableEntity, errInvalidRequest, "redirect_uri does not match the client's registered return_uri")
		return
	}

	if q.Get("response_type") != "code" {
		redirectWithError(w, r, redirectURI, errInvalidRequest, "response_type must be code", state)
		return
	}
	scopes := strings.Fields(q.Get("scope"))
	if !containsScope(scopes, scopeOpenID) {
		redirectWithError(w, r, redirectURI, errInvalidRequest, "scope must include openid", state)
		return
	}

	if session == nil {
		rd := r.URL.String()
		http.Redirect(w, r, "/login?rd="+url.QueryEscape(rd), http.StatusTemporaryRedirect)
		return
	}

	auth := Authorization{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		TokenKey:    session.Key,
		Scopes:      scopes,
		Created:     p.now(),
		Nonce:       q.Get("nonce"),
	}
	code, err := p.codes.create(r.Context(), auth)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to issue authorization code")
		return
	}

	target := redirectURI + sep(redirectURI) + "code=" + url.QueryEscape(code.String()) + "&state=" + url.QueryEscape(state)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func sep(u string) string {
	if strings.Contains(u, "?") {
		return "&"
	}
	return "?"
}

// Token handles POST /auth/openid/token, spec.md §4.3's validation order.
func (p *Provider) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "malformed form body")
		return
	}
	grantType := r.PostForm.Get("grant_type")
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	codeStr := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")

	if grantType == "" || clientID == "" || clientSecret == "" || codeStr == "" || redirectURI == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "missing required parameter")
		return
	}
	if grantType != "authorization_code" {
		writeJSONError(w, http.StatusBadRequest, errUnsupportedGrantType, "")
		return
	}
	client, ok := p.clients[clientID]
	if !ok || !client.VerifySecret(clientSecret) {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient, "")
		return
	}

	codeTok, err := token.Parse(codeStr)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "Invalid authorization code")
		return
	}
	auth, ok := p.codes.consume(r.Context(), codeTok)
	if !ok || auth.ClientID != clientID || auth.RedirectURI != redirectURI {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "Invalid authorization code")
		return
	}

	parent, err := p.tokens.PeekData(r.Context(), auth.TokenKey)
	if err != nil || parent == nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "Invalid authorization code")
		return
	}

	effective := filterScopes(auth.Scopes, p.knownScopes)
	issuedAt := p.now()
	expires := issuedAt.Add(time.Hour)
	if parent.Expires != nil {
		expires = *parent.Expires
	}

	claims := newIDTokenClaims(p.issuer, clientID, parent.Username, codeTok.Key, effective, issuedAt, expires, auth.Nonce, userClaimsSource{
		Username: parent.Username,
		Name:     parent.Name,
		Email:    parent.Email,
	})
	idToken, err := p.signingKey.signIDToken(claims)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to sign ID token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": idToken,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   int64(expires.Sub(issuedAt).Seconds()),
		"scope":        strings.Join(effective, " "),
	})
}

// UserInfo handles GET /auth/openid/userinfo, spec.md §4.3.
func (p *Provider) UserInfo(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "missing Authorization header")
		return
	}
	scheme, rawToken, found := strings.Cut(authz, " ")
	if !found || rawToken == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "malformed Authorization header")
		return
	}
	if !strings.EqualFold(scheme, "Bearer") {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "Unknown Authorization type "+scheme)
		return
	}

	claims, err := p.verifyIDToken(rawToken)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func (p *Provider) verifyIDToken(raw string) (*idTokenClaims, error) {
	sig, err := gojose.ParseSigned(raw, []gojose.SignatureAlgorithm{gojose.RS256})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "malformed ID token", err)
	}
	payload, err := sig.Verify(&p.signingKey.private.PublicKey)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "ID token signature verification failed", err)
	}
	var claims idTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidToken, "corrupt ID token claims", err)
	}
	if claims.Expiry > 0 && claims.Expiry < p.now().Unix() {
		return nil, gwerrors.New(gwerrors.KindInvalidToken, "ID token expired")
	}
	return &claims, nil
}
