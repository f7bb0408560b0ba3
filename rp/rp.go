// Package rp implements the OIDC Relying Party flow described in
// spec.md §4.5: initiate login against the upstream provider, redeem the
// authorization code, and verify the returned ID token. Grounded on dex's
// connector/oidc package, generalized from a dex "connector" (one of
// several pluggable upstream types dex supports) to this gateway's single
// configured upstream, and updated onto coreos/go-oidc/v3, the version
// already pinned in the teacher's own go.mod.
package rp

import (
	"context"
	"fmt"

	goidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/userinfo"
)

// Config configures the upstream OIDC provider, spec.md §6's `oidc: {...}`
// block.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	ExtraScopes  []string

	// UsernameClaim names the ID token claim mapped to the username,
	// spec.md §6; defaults to "uid".
	UsernameClaim string
	// UIDClaim names the ID token claim consulted for a numeric uid when
	// neither the document store nor LDAP supplies one, spec.md §4.4;
	// defaults to "uid".
	UIDClaim string
}

func (c Config) usernameClaim() string {
	if c.UsernameClaim == "" {
		return "uid"
	}
	return c.UsernameClaim
}

func (c Config) uidClaim() string {
	if c.UIDClaim == "" {
		return "uid"
	}
	return c.UIDClaim
}

// Provider is a configured upstream OIDC relying party.
type Provider struct {
	oauth2Config *oauth2.Config
	verifier     *goidc.IDTokenVerifier
	cfg          Config
}

// New discovers the upstream provider's configuration (issuer, endpoints,
// JWKS URI) and builds a Provider. The returned Provider's JWKS lookups
// are cached by kid for the life of the process, matching dex's own
// provider.Verifier() idiom (spec.md §5's "upstream JWKS cache ...
// never invalidated within a process").
func New(ctx context.Context, cfg Config) (*Provider, error) {
	provider, err := goidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to discover upstream OIDC provider", err)
	}
	scopes := append([]string{goidc.ScopeOpenID}, cfg.ExtraScopes...)
	return &Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&goidc.Config{ClientID: cfg.ClientID}),
		cfg:      cfg,
	}, nil
}

// LoginURL builds the upstream authorization URL, spec.md §4.5:
// response_type=code, scope=openid [extra], state=<csrf>,
// redirect_uri=<our /login>. oauth2.Config.AuthCodeURL fixes
// response_type=code and redirect_uri from the configured RedirectURL.
func (p *Provider) LoginURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// Callback is the resolved result of a successful upstream round-trip.
type Callback struct {
	Claims userinfo.Claims
	Sub    string
}

// HandleCallback redeems code at the upstream token endpoint, verifies
// the returned ID token against the configured issuer, audience, and
// allowed kids, and extracts UsernameClaim/UIDClaim, spec.md §4.5.
func (p *Provider) HandleCallback(ctx context.Context, code string) (*Callback, error) {
	tok, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to redeem authorization code upstream", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindExternalUserInfo, "upstream token response did not include an id_token")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to verify upstream ID token", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInvalidTokenClaims, "failed to decode ID token claims", err)
	}

	username, err := stringClaim(claims, p.cfg.usernameClaim())
	if err != nil {
		return nil, err
	}

	result := &Callback{
		Sub: idToken.Subject,
		Claims: userinfo.Claims{
			Username: username,
			Sub:      idToken.Subject,
		},
	}
	if email, ok := claims["email"].(string); ok {
		result.Claims.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		result.Claims.Name = name
	}
	result.Claims.Groups = stringSliceClaim(claims, "groups")

	if uidClaim := p.cfg.uidClaim(); uidClaim != "" {
		if raw, ok := claims[uidClaim]; ok {
			switch v := raw.(type) {
			case string:
				result.Claims.UID = v
			case float64:
				result.Claims.UID = fmt.Sprintf("%d", int64(v))
			}
		}
	}

	return result, nil
}

func stringClaim(claims map[string]interface{}, name string) (string, error) {
	raw, ok := claims[name]
	if !ok {
		return "", gwerrors.New(gwerrors.KindMissingClaims, fmt.Sprintf("ID token is missing claim %q", name))
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", gwerrors.New(gwerrors.KindInvalidTokenClaims, fmt.Sprintf("claim %q is not a non-empty string", name))
	}
	return s, nil
}

func stringSliceClaim(claims map[string]interface{}, name string) []string {
	raw, ok := claims[name].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
