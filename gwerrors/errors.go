// Package gwerrors defines the error taxonomy shared by the authorization
// evaluator, the OIDC provider, and the token service, and the mapping from
// each kind to its HTTP surface (spec.md §7). It mirrors dex's split
// between a client-visible apiError/oauth2.Error and server-side detail
// that is logged but never serialized to the caller.
package gwerrors

import "net/http"

// Kind identifies a stable, user-facing error code.
type Kind string

const (
	KindInvalidRequest         Kind = "invalid_request"
	KindInvalidToken           Kind = "invalid_token"
	KindInsufficientScope      Kind = "insufficient_scope"
	KindInvalidMinimumLifetime Kind = "invalid_minimum_lifetime"
	KindInvalidDelegateTo      Kind = "invalid_delegate_to"
	KindInvalidService         Kind = "invalid_service"
	KindExternalUserInfo       Kind = "external_user_info_error"
	KindInvalidGrant           Kind = "invalid_grant"
	KindInvalidClient          Kind = "invalid_client"
	KindUnsupportedGrantType   Kind = "unsupported_grant_type"
	KindFirestoreExhausted     Kind = "firestore_exhausted"
	KindLDAPError              Kind = "ldap_error"
	KindLifetimeNotSatisfiable Kind = "lifetime_not_satisfiable"
	KindServerError            Kind = "server_error"

	// KindMissingClaims and KindInvalidTokenClaims surface spec.md §4.5's
	// two distinct upstream ID-token validation failures: a configured
	// claim was absent, versus present but not the expected type/shape.
	KindMissingClaims      Kind = "missing_claims"
	KindInvalidTokenClaims Kind = "invalid_token_claims"
)

// statusByKind is the default HTTP status for a Kind. The authorization
// evaluator overrides KindInvalidToken/KindInsufficientScope per the AJAX
// rule (see server/challenge.go); everything else uses this table.
var statusByKind = map[Kind]int{
	KindInvalidRequest:         http.StatusBadRequest,
	KindInvalidToken:           http.StatusUnauthorized,
	KindInsufficientScope:      http.StatusForbidden,
	KindInvalidMinimumLifetime: http.StatusUnprocessableEntity,
	KindInvalidDelegateTo:      http.StatusUnprocessableEntity,
	KindInvalidService:         http.StatusUnprocessableEntity,
	KindExternalUserInfo:       http.StatusInternalServerError,
	KindInvalidGrant:           http.StatusBadRequest,
	KindInvalidClient:          http.StatusBadRequest,
	KindUnsupportedGrantType:   http.StatusBadRequest,
	KindFirestoreExhausted:     http.StatusInternalServerError,
	KindLDAPError:              http.StatusInternalServerError,
	KindLifetimeNotSatisfiable: http.StatusUnprocessableEntity,
	KindServerError:            http.StatusInternalServerError,
	KindMissingClaims:          http.StatusInternalServerError,
	KindInvalidTokenClaims:     http.StatusInternalServerError,
}

// Status returns the default HTTP status code for a Kind.
func (k Kind) Status() int {
	if s, ok := statusByKind[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is the typed error carried through the request path. Description is
// advisory text safe to show the caller; it must never leak secrets,
// internal IDs, or otherwise let a caller distinguish "unknown" from "wrong"
// beyond what Kind already reveals (spec.md §7). The wrapped error, if any,
// is for server-side logs only.
type Error struct {
	Kind        Kind
	Description string
	Scope       string // populated for KindInsufficientScope challenges
	err         error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return string(e.Kind) + ": " + e.Description
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an Error with the given kind and user-facing description.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap builds an Error that carries an internal cause for logging, while
// keeping description as the only thing surfaced to the caller.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, err: cause}
}

// ShouldAlert reports whether an error of this kind should trigger the
// pluggable Alerter, per spec.md §7: LDAP/IdP/doc-store errors on the
// request hot path are deliberately excluded to avoid flooding Slack during
// an outage; only login-time firestore/ldap exhaustion pages.
func (k Kind) ShouldAlert() bool {
	switch k {
	case KindFirestoreExhausted, KindLDAPError:
		return true
	default:
		return false
	}
}
