package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/authgw/authgw/gwerrors"
)

// authType is the challenge style requested via the auth_type parameter,
// spec.md §4.2.
type authType string

const (
	authTypeBearer authType = "Bearer"
	authTypeBasic  authType = "Basic"
)

func parseAuthType(s string) (authType, bool) {
	switch strings.ToLower(s) {
	case "", "bearer":
		return authTypeBearer, true
	case "basic":
		return authTypeBasic, true
	default:
		return "", false
	}
}

// challenge builds the WWW-Authenticate header value, RFC 6750 syntax,
// spec.md §4.2.
type challenge struct {
	authType    authType
	realm       string
	errorCode   string
	description string
	scope       string
}

func (c challenge) header() string {
	var b strings.Builder
	b.WriteString(string(c.authType))
	b.WriteString(fmt.Sprintf(` realm=%q`, c.realm))
	if c.errorCode != "" {
		b.WriteString(fmt.Sprintf(`, error=%q`, c.errorCode))
	}
	if c.description != "" {
		b.WriteString(fmt.Sprintf(`, error_description=%q`, c.description))
	}
	if c.scope != "" {
		b.WriteString(fmt.Sprintf(`, scope=%q`, c.scope))
	}
	return b.String()
}

// isAJAX reports spec.md §4.2's AJAX rule: a request carrying
// X-Requested-With: XMLHttpRequest gets 403 instead of 401 on every
// unauthenticated-request cause, since a 401 would otherwise trigger a
// browser redirect a background request cannot follow.
func isAJAX(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

// noCacheAuthHeaders sets the cache policy spec.md §4.2/§7 requires on
// every 401/403 (and LDAP-failure 500) response, so an intermediary never
// caches an auth decision.
func noCacheAuthHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
}

// writeChallenge writes a 401 (or 403 for AJAX requests, or the literal
// status for insufficient_scope which is always 403) response carrying a
// WWW-Authenticate challenge header, per spec.md §4.2/§8 ("/auth always
// emits WWW-Authenticate on 401/403").
func writeChallenge(w http.ResponseWriter, r *http.Request, realm string, at authType, kind gwerrors.Kind, description string, scopes []string) {
	status := kind.Status()
	if status == http.StatusUnauthorized && isAJAX(r) {
		status = http.StatusForbidden
	}
	sortedScope := ""
	if len(scopes) > 0 {
		sorted := append([]string(nil), scopes...)
		sort.Strings(sorted)
		sortedScope = strings.Join(sorted, " ")
	}
	c := challenge{
		authType:    at,
		realm:       realm,
		errorCode:   string(kind),
		description: description,
		scope:       sortedScope,
	}
	noCacheAuthHeaders(w)
	w.Header().Set("WWW-Authenticate", c.header())
	http.Error(w, description, status)
}
