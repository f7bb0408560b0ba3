// Package userinfo implements the merge of LDAP, token-claim, and
// document-store data into one resolved identity, spec.md §4.4. It plays
// the role dex's userinfo package originally reserved for an LDAP-backed
// Userinfo adapter, generalized into a merge service layered over three
// independent backends rather than a single upstream IdP response.
package userinfo

import (
	"context"
	"errors"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/store/ldapstore"
	"github.com/authgw/authgw/useridcache"
)

// Claims is the identity information extracted from an upstream ID token
// or OIDC userinfo endpoint (spec.md §4.5's username_claim/uid_claim
// output, plus whatever else the RP flow captured).
type Claims struct {
	Username string
	Name     string
	Email    string
	Groups   []string
	// UID is the raw uid_claim value, consulted only when neither the
	// document store nor LDAP supplies a uid (spec.md §4.4).
	UID string
	// Sub is the upstream OIDC "sub" claim, if any (empty for the GitHub
	// login path). When LDAP is configured with a sub->username mapping,
	// Resolve uses it in place of Username to find the LDAP entry
	// (spec.md §4.4).
	Sub string
}

// Info is the fully resolved identity handed to the token service when
// minting a session token.
type Info struct {
	Username string
	Name     string
	Email    string
	UID      int64
	GID      int64
	Groups   []string
}

// LDAPSource resolves a username to LDAP-sourced attributes. A nil
// Service.LDAP means LDAP is not configured, and LDAP's contribution to
// the merge is simply skipped.
type LDAPSource interface {
	Lookup(ctx context.Context, username string) (*ldapstore.Info, error)
	// LookupBySub resolves an upstream "sub" claim to Info, returning
	// ldapstore.ErrSubMappingNotConfigured when no sub->username mapping
	// is configured so callers can fall back to Lookup.
	LookupBySub(ctx context.Context, sub string) (*ldapstore.Info, error)
}

// Service merges LDAP, token claims, and document-store id allocation per
// spec.md §4.4's precedence rules.
type Service struct {
	LDAP LDAPSource // nil if not configured

	UIDCache *useridcache.Cache // nil if the document store is not configured
	GIDCache *useridcache.Cache // nil if the document store is not configured
}

// Resolve merges claims (from the token/ID-token path) with LDAP (if
// configured) and assigns uid/gid, spec.md §4.4:
//
//   - name/email/groups: LDAP wins when LDAP is configured and returns a
//     non-empty value; otherwise the token claim's value is kept.
//   - uid: the document store wins when configured, else LDAP's own
//     numeric uid attribute, else the claims' UID, else resolution fails
//     with external_user_info_error.
//   - gid: allocated by the document store for the first group when one
//     is configured, else 0 (see resolveGID).
//   - username: taken from claims.Username, unless claims.Sub is set and
//     LDAP has a sub->username mapping configured, in which case the
//     claim is resolved through it (spec.md §4.4).
func (s *Service) Resolve(ctx context.Context, claims Claims) (*Info, error) {
	info := &Info{
		Username: claims.Username,
		Name:     claims.Name,
		Email:    claims.Email,
		Groups:   claims.Groups,
	}

	var ldapInfo *ldapstore.Info
	if s.LDAP != nil {
		li, err := s.lookupLDAP(ctx, claims)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindExternalUserInfo, "failed to resolve user from LDAP", err)
		}
		ldapInfo = li
		if ldapInfo.Username != "" {
			info.Username = ldapInfo.Username
		}
		if ldapInfo.Name != "" {
			info.Name = ldapInfo.Name
		}
		if ldapInfo.Email != "" {
			info.Email = ldapInfo.Email
		}
		if len(ldapInfo.Groups) > 0 {
			info.Groups = ldapInfo.Groups
		}
	}

	uid, err := s.resolveUID(ctx, info.Username, ldapInfo, claims.UID)
	if err != nil {
		return nil, err
	}
	info.UID = uid

	gid, err := s.resolveGID(ctx, info.Groups)
	if err != nil {
		return nil, err
	}
	info.GID = gid

	return info, nil
}

// lookupLDAP resolves claims through LDAP, preferring the sub->username
// mapping when claims.Sub is set and one is configured, and falling back
// to the ordinary by-username search otherwise (spec.md §4.4).
func (s *Service) lookupLDAP(ctx context.Context, claims Claims) (*ldapstore.Info, error) {
	if claims.Sub != "" {
		li, err := s.LDAP.LookupBySub(ctx, claims.Sub)
		switch {
		case err == nil:
			return li, nil
		case !errors.Is(err, ldapstore.ErrSubMappingNotConfigured):
			return nil, err
		}
	}
	return s.LDAP.Lookup(ctx, claims.Username)
}

func (s *Service) resolveUID(ctx context.Context, username string, ldapInfo *ldapstore.Info, claimUID string) (int64, error) {
	if s.UIDCache != nil {
		uid, err := s.UIDCache.Get(ctx, username)
		if err != nil {
			return 0, gwerrors.Wrap(gwerrors.KindFirestoreExhausted, "failed to allocate uid", err)
		}
		return uid, nil
	}
	if ldapInfo != nil && ldapInfo.UID != "" {
		return parseID(ldapInfo.UID)
	}
	if claimUID != "" {
		return parseID(claimUID)
	}
	return 0, gwerrors.New(gwerrors.KindExternalUserInfo, "no uid source configured")
}

// resolveGID assigns the gid of the user's primary (first) group. LDAP is
// not a gid source in this deployment's schema (spec.md §4.4 only lists
// "document store else LDAP else token claims" for uid/gid, and LDAP
// group entries here carry no numeric gid attribute), so this always
// defers to the document store when one is configured.
func (s *Service) resolveGID(ctx context.Context, groups []string) (int64, error) {
	if len(groups) == 0 {
		return 0, nil
	}
	if s.GIDCache == nil {
		return 0, nil
	}
	gid, err := s.GIDCache.Get(ctx, groups[0])
	if err != nil {
		return 0, gwerrors.Wrap(gwerrors.KindFirestoreExhausted, "failed to allocate gid", err)
	}
	return gid, nil
}

func parseID(s string) (int64, error) {
	if len(s) == 0 {
		return 0, gwerrors.New(gwerrors.KindExternalUserInfo, "empty uid attribute from LDAP")
	}
	var n int64
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, gwerrors.New(gwerrors.KindExternalUserInfo, "non-numeric uid attribute from LDAP")
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}
