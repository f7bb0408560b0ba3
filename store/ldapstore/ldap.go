// Package ldapstore implements the pooled LDAP adapter used by the
// user-info service for username → groups, uid, name, and email lookups
// (spec.md §2, §4.4). Per spec.md §1's Non-goals, LDAP results are never
// cached here — only connections are pooled.
//
// Grounded on dex's connector/ldap package (search filter construction,
// TLS dial options) generalized onto github.com/go-ldap/ldap/v3, the
// version dex's own go.mod already pins.
package ldapstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/authgw/authgw/gwerrors"
)

// ErrSubMappingNotConfigured is returned by LookupBySub when
// Config.SubToUsernameAttr is unset.
var ErrSubMappingNotConfigured = errors.New("ldapstore: sub->username mapping is not configured")

// Config configures the LDAP adapter, mirroring the fields dex's
// connector/ldap.Config exposes for user and group search.
type Config struct {
	Host          string
	InsecureNoSSL bool

	BindDN string
	BindPW string

	UserSearch struct {
		BaseDN   string
		Filter   string
		Username string // attribute matched against the username, e.g. "uid"
	}
	GroupSearch struct {
		BaseDN    string
		Filter    string
		UserAttr  string
		GroupAttr string
		NameAttr  string
	}

	// SubToUsernameAttr, if set, names the LDAP attribute matched against
	// an upstream OIDC "sub" claim in LookupBySub, mapping it to a
	// username via an extra LDAP attribute lookup (spec.md §4.4).
	SubToUsernameAttr string

	PoolSize       int
	RequestTimeout time.Duration
}

// Info is the subset of LDAP-sourced user attributes the user-info service
// consumes.
type Info struct {
	Username string
	Name     string
	Email    string
	UID      string
	Groups   []string
}

// Store is a pooled LDAP client.
type Store struct {
	cfg  Config
	pool chan *ldap.Conn
	mu   sync.Mutex
}

// Open dials PoolSize connections (default 4) up front. Each connection
// binds once, when it is dialed, and is then reused across searches
// without binding again.
func Open(cfg Config) (*Store, error) {
	size := cfg.PoolSize
	if size == 0 {
		size = 4
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	s := &Store{cfg: cfg, pool: make(chan *ldap.Conn, size)}
	for i := 0; i < size; i++ {
		conn, err := s.dial()
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindLDAPError, "could not connect to LDAP", err)
		}
		s.pool <- conn
	}
	return s, nil
}

func (s *Store) dial() (*ldap.Conn, error) {
	var conn *ldap.Conn
	var err error
	if s.cfg.InsecureNoSSL {
		conn, err = ldap.DialURL(fmt.Sprintf("ldap://%s", s.cfg.Host))
	} else {
		conn, err = ldap.DialURL(fmt.Sprintf("ldaps://%s", s.cfg.Host), ldap.DialWithTLSConfig(&tls.Config{}))
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.BindDN != "" {
		if err := conn.Bind(s.cfg.BindDN, s.cfg.BindPW); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (s *Store) borrow(ctx context.Context) (*ldap.Conn, error) {
	select {
	case conn := <-s.pool:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) release(conn *ldap.Conn) {
	select {
	case s.pool <- conn:
	default:
		conn.Close()
	}
}

// Lookup resolves username to Info via the configured user and group
// searches. Each round-trip honors ctx and the configured RequestTimeout,
// per spec.md §5.
func (s *Store) Lookup(ctx context.Context, username string) (*Info, error) {
	return s.search(ctx, s.cfg.UserSearch.Username, username, username)
}

// LookupBySub resolves an upstream OIDC "sub" claim to Info by matching
// it against Config.SubToUsernameAttr rather than the ordinary username
// attribute, spec.md §4.4's LDAP sub->username mapping option. The
// resolved username comes from the matched entry's UserSearch.Username
// attribute, not from sub itself. Returns ErrSubMappingNotConfigured when
// Config.SubToUsernameAttr is unset, so callers can fall back to an
// ordinary Lookup.
func (s *Store) LookupBySub(ctx context.Context, sub string) (*Info, error) {
	if s.cfg.SubToUsernameAttr == "" {
		return nil, ErrSubMappingNotConfigured
	}
	return s.search(ctx, s.cfg.SubToUsernameAttr, sub, "")
}

// search finds the single entry matching matchAttr=matchValue within
// UserSearch.BaseDN/Filter and builds Info from it. knownUsername, if
// non-empty, is used as Info.Username directly (the ordinary by-username
// path already knows it); otherwise Info.Username is read from the
// entry's UserSearch.Username attribute (the sub-mapping path, where the
// username isn't known ahead of the search).
func (s *Store) search(ctx context.Context, matchAttr, matchValue, knownUsername string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	conn, err := s.borrow(ctx)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLDAPError, "LDAP unavailable", err)
	}
	defer s.release(conn)

	filter := fmt.Sprintf("(&%s(%s=%s))", s.cfg.UserSearch.Filter, matchAttr, ldap.EscapeFilter(matchValue))
	req := ldap.NewSearchRequest(
		s.cfg.UserSearch.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, int(s.cfg.RequestTimeout.Seconds()), false,
		filter, []string{s.cfg.UserSearch.Username, "uid", "mail", "cn"}, nil,
	)
	res, err := conn.SearchWithPaging(req, 1)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLDAPError, "LDAP user search failed", err)
	}
	if len(res.Entries) == 0 {
		return nil, gwerrors.New(gwerrors.KindExternalUserInfo, "user not found in LDAP")
	}
	entry := res.Entries[0]

	groups, err := s.lookupGroups(conn, entry.DN)
	if err != nil {
		return nil, err
	}

	username := knownUsername
	if username == "" {
		username = entry.GetAttributeValue(s.cfg.UserSearch.Username)
	}

	return &Info{
		Username: username,
		Name:     entry.GetAttributeValue("cn"),
		Email:    entry.GetAttributeValue("mail"),
		UID:      entry.GetAttributeValue("uid"),
		Groups:   groups,
	}, nil
}

func (s *Store) lookupGroups(conn *ldap.Conn, userDN string) ([]string, error) {
	if s.cfg.GroupSearch.BaseDN == "" {
		return nil, nil
	}
	filter := fmt.Sprintf("(&%s(%s=%s))", s.cfg.GroupSearch.Filter, s.cfg.GroupSearch.GroupAttr, ldap.EscapeFilter(userDN))
	req := ldap.NewSearchRequest(
		s.cfg.GroupSearch.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, 0, false,
		filter, []string{s.cfg.GroupSearch.NameAttr}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLDAPError, "LDAP group search failed", err)
	}
	groups := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		groups = append(groups, e.GetAttributeValue(s.cfg.GroupSearch.NameAttr))
	}
	return groups, nil
}

// Close releases pooled connections.
func (s *Store) Close() error {
	close(s.pool)
	for conn := range s.pool {
		conn.Close()
	}
	return nil
}
