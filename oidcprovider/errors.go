package oidcprovider

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

// errCodeCollision is returned by codeStore.create on the practically
// impossible event of a random code key collision.
var errCodeCollision = errors.New("oidcprovider: authorization code collision")

// OAuth2 error codes, spec.md §4.3's validation-order table.
const (
	errInvalidRequest      = "invalid_request"
	errInvalidClient       = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"
)

// oauth2Error is the wire shape of an OAuth 2.0 error response, RFC 6749
// §5.2, mirroring dex server/error.go's apiError split between a
// machine-readable Type and advisory Description.
type oauth2Error struct {
	Type        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *oauth2Error) Error() string { return e.Type }

func writeJSONError(w http.ResponseWriter, status int, typ, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&oauth2Error{Type: typ, Description: description})
}

// redirectWithError sends the browser back to redirectURI with error and
// error_description query parameters, spec.md §4.3's handling for login
// endpoint protocol errors that occur after redirect_uri has been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, typ, description, state string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "invalid redirect_uri")
		return
	}
	q := u.Query()
	q.Set("error", typ)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusTemporaryRedirect)
}
