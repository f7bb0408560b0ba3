package tokensvc

import (
	"context"
	"time"

	"github.com/authgw/authgw/gwerrors"
	sqlstore "github.com/authgw/authgw/store/sql"
	"github.com/authgw/authgw/token"
)

// TokenInfo is the management-surface view of a token: everything a user
// or admin may see about it, without ever exposing its secret.
type TokenInfo = sqlstore.TokenInfo

// List returns every token belonging to username, oldest first, per
// spec.md §4.1's token listing operation.
func (s *Service) List(ctx context.Context, username string) ([]TokenInfo, error) {
	rows, err := s.sql.ListTokenInfo(ctx, username)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "failed to list tokens", err)
	}
	return rows, nil
}

// GetInfo returns the relational row for key, without consulting the
// key-value store (so it works for tokens whose cache entry has already
// expired but whose history is still wanted).
func (s *Service) GetInfo(ctx context.Context, key string) (*TokenInfo, error) {
	row, err := s.sql.GetTokenInfo(ctx, key)
	if err != nil {
		if err == sqlstore.ErrNotFound {
			return nil, nil
		}
		return nil, gwerrors.Wrap(gwerrors.KindServerError, "failed to look up token", err)
	}
	return &row, nil
}

// Modification describes an in-place edit to a user token's name, scopes,
// or expiry. A nil field is left unchanged; ExpiresSet distinguishes
// "leave expiry alone" from "clear the expiry" (set it to never expire).
type Modification struct {
	Name       *string
	Scopes     []string
	ExpiresSet bool
	Expires    *time.Time
}

// Modify edits a token's relational row and, if it has a live cache
// entry, keeps that entry's scopes/expiry in sync so the /auth hot path
// never reads stale authorization data (spec.md §4.1).
func (s *Service) Modify(ctx context.Context, key string, mod Modification, actor, ip string) error {
	var updated TokenInfo
	err := s.sql.UpdateTokenInfo(ctx, key, func(row TokenInfo) (TokenInfo, error) {
		if mod.Name != nil {
			row.TokenName = mod.Name
		}
		if mod.Scopes != nil {
			row.Scopes = mod.Scopes
		}
		if mod.ExpiresSet {
			row.Expires = mod.Expires
		}
		updated = row
		return row, nil
	})
	if err != nil {
		if err == sqlstore.ErrNotFound {
			return gwerrors.New(gwerrors.KindInvalidRequest, "token not found")
		}
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to modify token", err)
	}

	if b, gerr := s.kv.Get(ctx, kvKey(key)); gerr == nil {
		if data, uerr := token.Unmarshal(b); uerr == nil {
			data.Scopes = updated.Scopes
			data.Expires = updated.Expires
			_ = s.putKV(ctx, data, s.now())
		}
	}

	s.recordHistoryRow(ctx, updated.TokenKey, updated.Username, updated.Scopes, updated.Expires, sqlstore.HistoryEdit, actor, ip)
	return nil
}

// Delete removes key and every child derived from it, from both the
// relational and key-value stores, per spec.md §4.1's "delete removes the
// key-value entry first" ordering (so a crash mid-delete leaves a row
// whose cache entry is already gone, the same "dead" state Audit already
// knows how to clean up).
func (s *Service) Delete(ctx context.Context, key, actor, ip string) error {
	row, err := s.sql.GetTokenInfo(ctx, key)
	if err != nil {
		if err == sqlstore.ErrNotFound {
			return nil
		}
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to look up token", err)
	}

	children, err := s.sql.ListChildren(ctx, key)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to list child tokens", err)
	}
	for _, child := range children {
		_ = s.kv.Delete(ctx, kvKey(child.TokenKey))
	}
	if err := s.sql.DeleteChildren(ctx, key); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to delete child tokens", err)
	}

	_ = s.kv.Delete(ctx, kvKey(key))
	if err := s.sql.DeleteTokenInfo(ctx, key); err != nil {
		return gwerrors.Wrap(gwerrors.KindServerError, "failed to delete token", err)
	}

	s.recordHistoryRow(ctx, row.TokenKey, row.Username, row.Scopes, row.Expires, sqlstore.HistoryRevoke, actor, ip)
	return nil
}

// ExpireTokens deletes relational rows past their expiry, per spec.md
// §4.1's periodic cleanup. Cache entries self-expire via their own TTL
// (putKV), so this only needs to touch the relational store.
func (s *Service) ExpireTokens(ctx context.Context) (int, error) {
	n, err := s.sql.ExpireTokens(ctx, s.now())
	if err != nil {
		return 0, gwerrors.Wrap(gwerrors.KindServerError, "failed to expire tokens", err)
	}
	return int(n), nil
}

// ExpireHistory deletes history entries older than the configured
// retention horizon, spec.md §3's "configured horizon" for the audit
// trail, run from the same GC loop as ExpireTokens.
func (s *Service) ExpireHistory(ctx context.Context, horizon time.Duration) (int, error) {
	n, err := s.sql.ExpireHistory(ctx, s.now().Add(-horizon))
	if err != nil {
		return 0, gwerrors.Wrap(gwerrors.KindServerError, "failed to expire token history", err)
	}
	return int(n), nil
}

// AuditReport summarizes the reconciliation Audit performed.
type AuditReport struct {
	// OrphanedRows is the number of relational rows found with no
	// corresponding, unexpired key-value entry.
	OrphanedRows int
	// Fixed is the number of orphaned rows actually deleted (only
	// non-zero when fix is true).
	Fixed int
}

// Audit reconciles the relational store against the key-value store,
// spec.md §4.1's consistency check: a relational row with no live cache
// entry is unusable (its secret cannot be recovered) and, if fix is set,
// is deleted outright rather than left to confuse a future listing.
func (s *Service) Audit(ctx context.Context, fix bool) (AuditReport, error) {
	keys, err := s.sql.AllTokenKeys(ctx)
	if err != nil {
		return AuditReport{}, gwerrors.Wrap(gwerrors.KindServerError, "failed to list token keys", err)
	}
	var report AuditReport
	for _, key := range keys {
		if _, err := s.kv.Get(ctx, kvKey(key)); err == nil {
			continue
		}
		report.OrphanedRows++
		if fix {
			if err := s.sql.DeleteTokenInfo(ctx, key); err == nil {
				report.Fixed++
			} else {
				s.log.WithField("token_key", key).Errorf("audit: failed to delete orphaned row: %v", err)
			}
		}
	}
	return report, nil
}

// MintTokenRequest is the Go-level interface the out-of-scope Kubernetes
// CRD controller uses to mint long-lived "service" tokens for workloads
// declared via its CRDs (spec.md §9). The controller itself, its
// reconciliation loop, and the CRD types are external plumbing; this
// method is the only surface it needs from the token service.
type MintTokenRequest struct {
	Username string
	Service  string
	Scopes   []string
	Expires  *time.Time
}

// MintToken mints a standalone "service" token, not derived from any
// parent, for a workload identity the CRD controller manages.
func (s *Service) MintToken(ctx context.Context, req MintTokenRequest) (token.Token, error) {
	t, err := token.New()
	if err != nil {
		return token.Token{}, gwerrors.Wrap(gwerrors.KindServerError, "failed to mint token", err)
	}
	now := s.now()
	data := &token.Data{
		Key:       t.Key,
		Secret:    t.Secret,
		Username:  req.Username,
		TokenType: token.TypeService,
		Scopes:    req.Scopes,
		Created:   now,
		Expires:   req.Expires,
		Service:   req.Service,
	}
	if err := s.putKV(ctx, data, now); err != nil {
		return token.Token{}, err
	}
	if err := s.sql.CreateTokenInfo(ctx, toTokenInfo(data)); err != nil {
		_ = s.kv.Delete(ctx, kvKey(t.Key))
		return token.Token{}, gwerrors.Wrap(gwerrors.KindServerError, "failed to persist token", err)
	}
	s.recordHistoryRow(ctx, data.Key, data.Username, data.Scopes, data.Expires, sqlstore.HistoryCreate, "controller", "")
	return t, nil
}
