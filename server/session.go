package server

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/authgw/authgw/token"
)

// CookieName is the gateway's own state cookie, spec.md §6.
const CookieName = "authgw_state"

// invalidAuthorizationError is returned by resolveTokenString when the
// Authorization header was present but malformed, spec.md §4.2 step 1:
// "Malformed Authorization → 400 with challenge invalid_request".
type invalidAuthorizationError struct{ msg string }

func (e *invalidAuthorizationError) Error() string { return e.msg }

// resolveTokenString implements spec.md §4.2 step 1's token resolution
// order: (a) the session cookie, if present; else (b) Authorization:
// Bearer; else (c) Authorization: Basic with one of the x-oauth-basic
// conventions, or else the username alone. A zero return with a nil error
// means no credentials were presented at all.
func (s *Server) resolveTokenString(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil {
		state, derr := s.cookies.Decode(c.Value)
		if derr == nil && state.Token != "" {
			return state.Token, nil
		}
	}
	return parseAuthorizationHeader(r)
}

func parseAuthorizationHeader(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	scheme, blob, found := strings.Cut(header, " ")
	if !found {
		return "", &invalidAuthorizationError{"malformed Authorization header"}
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return blob, nil
	case "basic":
		return parseBasicAuth(blob)
	default:
		return "", &invalidAuthorizationError{"unknown Authorization type " + scheme}
	}
}

// parseBasicAuth decodes HTTP Basic credentials carrying a bearer token in
// either the username or password position, the x-oauth-basic convention
// some API clients use when they cannot send a bare Bearer header.
func parseBasicAuth(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", &invalidAuthorizationError{"invalid Basic auth string"}
	}
	user, pass, ok := strings.Cut(strings.TrimSpace(string(raw)), ":")
	if !ok {
		return "", &invalidAuthorizationError{"invalid Basic auth string"}
	}
	switch {
	case pass == "x-oauth-basic":
		return user, nil
	case user == "x-oauth-basic":
		return pass, nil
	default:
		return user, nil
	}
}

// resolveSession resolves the caller's authenticated token.Data, if any,
// returning (nil, nil) when no credentials were presented at all
// (spec.md §4.2 step 1's "missing credentials" case, left for the caller
// to turn into a 401/403). A non-nil invalidAuthorizationError means the
// Authorization header itself was malformed.
func (s *Server) resolveSession(r *http.Request) (*token.Data, error) {
	raw, err := s.resolveTokenString(r)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	tok, err := token.Parse(raw)
	if err != nil {
		return nil, nil
	}
	data, err := s.tokens.GetData(r.Context(), tok)
	if err != nil {
		return nil, err
	}
	return data, nil
}
