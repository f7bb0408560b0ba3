// Package tokensvc implements the token service described in spec.md §4.1:
// minting session tokens at login, verifying bearer tokens on the /auth hot
// path, and deriving notebook/internal tokens with at-most-one-creation
// semantics. It is grounded on dex's storage.Storage + refresh token
// handling split (a fast key-value path backing request-time verification,
// a relational path backing listing/history/audit), generalized onto the
// opaque gt-<key>.<secret> format token.Token defines.
package tokensvc

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/authgw/authgw/gwerrors"
	"github.com/authgw/authgw/gwlog"
	"github.com/authgw/authgw/internal/keylock"
	"github.com/authgw/authgw/store/kv"
	sqlstore "github.com/authgw/authgw/store/sql"
	"github.com/authgw/authgw/token"
)

// UserInfo is the subset of a resolved identity used to mint a session
// token at login (spec.md §4.4's output).
type UserInfo struct {
	Username string
	Name     string
	Email    string
	UID      int64
	GID      int64
	Groups   []string
}

// Options configures lifetimes the Service applies when it is not handed
// an explicit value by the caller.
type Options struct {
	// SessionTokenLifetime is the validity window for newly minted session
	// tokens (spec.md §3).
	SessionTokenLifetime time.Duration

	// DerivedTokenMaxLifetime caps how far past now a freshly minted
	// notebook/internal token's expiry can be, before being clamped to the
	// parent's own expiry by childExpiry (spec.md §4.1). It should exceed
	// any realistic session lifetime so that, in practice, the parent's
	// expiry is what actually binds the child.
	DerivedTokenMaxLifetime time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTokenLifetime == 0 {
		o.SessionTokenLifetime = 7 * 24 * time.Hour
	}
	if o.DerivedTokenMaxLifetime == 0 {
		o.DerivedTokenMaxLifetime = 30 * 24 * time.Hour
	}
	return o
}

// Service is the token service: the single writer of token.Data into the
// key-value store and of TokenInfo rows into the relational store.
type Service struct {
	kv    kv.Store
	sql   sqlstore.Store
	locks *keylock.Locker
	log   gwlog.Logger
	opts  Options
	now   func() time.Time
}

// New builds a Service. now defaults to time.Now when nil; tests supply a
// deterministic clock to exercise expiry edge cases.
func New(kvStore kv.Store, sqlStore sqlstore.Store, log gwlog.Logger, opts Options, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		kv:    kvStore,
		sql:   sqlStore,
		locks: keylock.New(),
		log:   log,
		opts:  opts.withDefaults(),
		now:   now,
	}
}

func kvKey(tokenKey string) string {
	return "token:" + tokenKey
}

// putKV serializes data and stores it under its own token:<key> entry, with
// a TTL matching the token's expiry so the key-value store self-cleans even
// if a later Delete never reaches it.
func (s *Service) putKV(ctx context.Context, data *token.Data, now time.Time) error {
	b, err := data.Marshal()
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to serialize token", err)
	}
	var ttl time.Duration
	if data.Expires != nil {
		ttl = data.Expires.Sub(now)
		if ttl <= 0 {
			ttl = time.Second
		}
	}
	if err := s.kv.Set(ctx, kvKey(data.Key), b, ttl); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to store token", err)
	}
	return nil
}

func toTokenInfo(d *token.Data) sqlstore.TokenInfo {
	row := sqlstore.TokenInfo{
		TokenKey:  d.Key,
		Username:  d.Username,
		TokenType: string(d.TokenType),
		Scopes:    append([]string(nil), d.Scopes...),
		Created:   d.Created,
		Expires:   d.Expires,
	}
	if d.ParentKey != "" {
		row.ParentKey = &d.ParentKey
	}
	if d.Service != "" {
		row.Service = &d.Service
	}
	return row
}

// CreateSessionToken mints a new session token at login, spec.md §4.1 and
// §4.4. Session tokens are never deduplicated: each login gets its own.
func (s *Service) CreateSessionToken(ctx context.Context, info UserInfo, scopes []string, ip string) (token.Token, error) {
	t, err := token.New()
	if err != nil {
		return token.Token{}, gwerrors.Wrap(gwerrors.KindServerError, "failed to mint token", err)
	}
	now := s.now()
	expires := now.Add(s.opts.SessionTokenLifetime)
	data := &token.Data{
		Key:       t.Key,
		Secret:    t.Secret,
		Username:  info.Username,
		TokenType: token.TypeSession,
		Scopes:    scopes,
		Created:   now,
		Expires:   &expires,
		Name:      info.Name,
		Email:     info.Email,
		UID:       info.UID,
		GID:       info.GID,
		Groups:    info.Groups,
	}
	if err := s.putKV(ctx, data, now); err != nil {
		return token.Token{}, err
	}
	if err := s.sql.CreateTokenInfo(ctx, toTokenInfo(data)); err != nil {
		_ = s.kv.Delete(ctx, kvKey(t.Key))
		return token.Token{}, gwerrors.Wrap(gwerrors.KindServerError, "failed to persist token", err)
	}
	s.recordHistory(ctx, data, sqlstore.HistoryCreate, info.Username, ip)
	return t, nil
}

// GetData resolves a bearer token presented by a client to its Data,
// verifying the secret in constant time and rejecting expired tokens. A
// nil, nil return means the token is unknown, wrong, or expired; callers
// must not distinguish these cases in what they tell the client (spec.md
// §7).
func (s *Service) GetData(ctx context.Context, t token.Token) (*token.Data, error) {
	b, err := s.kv.Get(ctx, kvKey(t.Key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "token lookup failed", err)
	}
	data, err := token.Unmarshal(b)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "stored token was corrupt", err)
	}
	if !token.VerifySecret(t.Secret, data.Secret) {
		return nil, nil
	}
	if data.Expired(s.now()) {
		return nil, nil
	}
	return data, nil
}

// PeekData looks up a token's Data by key alone, without a secret to
// verify. It exists for server-side callers that already established trust
// through another channel: the OIDC provider's token endpoint only ever
// sees the session's token_key (stored in the authorization code it
// itself issued after a successful /auth/openid/login), never the
// session's secret. A nil, nil return means the key is unknown or expired.
func (s *Service) PeekData(ctx context.Context, key string) (*token.Data, error) {
	b, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "token lookup failed", err)
	}
	data, err := token.Unmarshal(b)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "stored token was corrupt", err)
	}
	if data.Expired(s.now()) {
		return nil, nil
	}
	return data, nil
}

// GetNotebookToken returns the caller's existing, unexpired notebook child
// of parent, or mints one, per spec.md §4.1. All notebook tokens derived
// from the same parent share one identity, so repeated calls reuse the
// same child token.
func (s *Service) GetNotebookToken(ctx context.Context, parent *token.Data, ip string, minLifetime time.Duration) (token.Token, error) {
	now := s.now()
	if err := checkMinLifetimeSatisfiable(now, parent.Expires, minLifetime); err != nil {
		return token.Token{}, err
	}
	identity := "notebook:" + parent.Key
	return s.getOrCreateDerived(ctx, identity, parent, token.TypeNotebook, "", parent.Scopes, ip)
}

// GetInternalToken returns the caller's existing, unexpired internal child
// of parent scoped to service and the effective scopes, or mints one, per
// spec.md §4.1/§4.6. The effective scopes are sorted(requested ∩
// parent.scopes): requesting a scope the parent does not carry is not an
// error, it is simply dropped from the child.
func (s *Service) GetInternalToken(ctx context.Context, parent *token.Data, service string, requested []string, ip string, minLifetime time.Duration) (token.Token, error) {
	if service == "" {
		return token.Token{}, gwerrors.New(gwerrors.KindInvalidService, "service name is required")
	}
	parentScopes := parent.ScopeSet()
	var effective []string
	for _, sc := range requested {
		if _, ok := parentScopes[sc]; ok {
			effective = append(effective, sc)
		}
	}
	sort.Strings(effective)

	now := s.now()
	if err := checkMinLifetimeSatisfiable(now, parent.Expires, minLifetime); err != nil {
		return token.Token{}, err
	}
	identity := "internal:" + parent.Key + ":" + service + ":" + strings.Join(effective, ",")
	return s.getOrCreateDerived(ctx, identity, parent, token.TypeInternal, service, effective, ip)
}

// getOrCreateDerived implements spec.md §4.1/§9's "lookup under a
// per-identity lock" dedup: the lock alone is enough to serialize
// in-process callers; CreateDerivedIfAbsent's ON CONFLICT DO NOTHING is
// defense in depth against a second gateway replica racing on the same
// identity.
func (s *Service) getOrCreateDerived(ctx context.Context, identity string, parent *token.Data, typ token.Type, service string, scopes []string, ip string) (token.Token, error) {
	var result token.Token
	err := s.locks.With(identity, func() error {
		now := s.now()

		if row, ferr := s.sql.FindByIdentity(ctx, identity); ferr == nil {
			if t, ok := s.resolveExisting(ctx, row, now); ok {
				result = t
				return nil
			}
			// Row exists but its cache entry is gone or expired: drop it
			// and fall through to mint a replacement under the same
			// identity.
			_ = s.kv.Delete(ctx, kvKey(row.TokenKey))
			_ = s.sql.DeleteTokenInfo(ctx, row.TokenKey)
		} else if !errors.Is(ferr, sqlstore.ErrNotFound) {
			return gwerrors.Wrap(gwerrors.KindServerError, "identity lookup failed", ferr)
		}

		t, err := token.New()
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindServerError, "failed to mint token", err)
		}
		expires := childExpiry(now, parent.Expires, s.opts.DerivedTokenMaxLifetime)
		data := &token.Data{
			Key: t.Key, Secret: t.Secret, Username: parent.Username, TokenType: typ,
			Scopes: scopes, Created: now, Expires: &expires,
			Name: parent.Name, Email: parent.Email, UID: parent.UID, GID: parent.GID, Groups: parent.Groups,
			ParentKey: parent.Key, Service: service,
		}
		if err := s.putKV(ctx, data, now); err != nil {
			return err
		}

		row := toTokenInfo(data)
		idCopy := identity
		row.IdentityKey = &idCopy
		created, winner, err := s.sql.CreateDerivedIfAbsent(ctx, row)
		if err != nil {
			_ = s.kv.Delete(ctx, kvKey(data.Key))
			return gwerrors.Wrap(gwerrors.KindServerError, "failed to persist derived token", err)
		}
		if !created {
			_ = s.kv.Delete(ctx, kvKey(data.Key))
			if t, ok := s.resolveExisting(ctx, winner, now); ok {
				result = t
				return nil
			}
			return gwerrors.New(gwerrors.KindServerError, "derived token race resolved to a row with no cached secret")
		}

		s.recordHistory(ctx, data, sqlstore.HistoryCreate, parent.Username, ip)
		result = t
		return nil
	})
	return result, err
}

// resolveExisting reconstructs the live Token for an existing, unexpired
// row by reading its cached secret back out of the key-value store.
func (s *Service) resolveExisting(ctx context.Context, row sqlstore.TokenInfo, now time.Time) (token.Token, bool) {
	b, err := s.kv.Get(ctx, kvKey(row.TokenKey))
	if err != nil {
		return token.Token{}, false
	}
	data, err := token.Unmarshal(b)
	if err != nil || data.Expired(now) {
		return token.Token{}, false
	}
	return token.Token{Key: data.Key, Secret: data.Secret}, true
}

func (s *Service) recordHistory(ctx context.Context, data *token.Data, action sqlstore.HistoryAction, actor, ip string) {
	s.recordHistoryRow(ctx, data.Key, data.Username, data.Scopes, data.Expires, action, actor, ip)
}

func (s *Service) recordHistoryRow(ctx context.Context, key, username string, scopes []string, expires *time.Time, action sqlstore.HistoryAction, actor, ip string) {
	entry := sqlstore.HistoryEntry{
		TokenKey:  key,
		Username:  username,
		Action:    action,
		Actor:     actor,
		Scopes:    append([]string(nil), scopes...),
		Expires:   expires,
		IPAddress: ip,
		EventTime: s.now(),
	}
	if err := s.sql.InsertHistory(ctx, entry); err != nil {
		s.log.WithField("token_key", key).Errorf("failed to record token history: %v", err)
	}
}
