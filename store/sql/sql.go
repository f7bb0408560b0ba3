// Package sql implements the transactional relational store for token
// metadata, history, and admins (spec.md §2, §3), grounded on dex's
// storage/sql package but generalized from raw database/sql to sqlx, the
// driver used by the rest of the retrieved pack for Postgres access.
package sql

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound mirrors dex's storage.ErrNotFound: the sentinel returned by
// stores when a resource does not exist.
var ErrNotFound = errors.New("sql: not found")

var errIdentityRequired = errors.New("sql: CreateDerivedIfAbsent requires an identity key")

// Store is the relational persistence surface used by tokensvc.
type Store interface {
	// CreateTokenInfo inserts a new row unconditionally. Used for session
	// and user tokens, which are never deduplicated.
	CreateTokenInfo(ctx context.Context, info TokenInfo) error

	// CreateDerivedIfAbsent inserts info if no row with the same
	// IdentityKey already exists (INSERT ... ON CONFLICT DO NOTHING),
	// then re-reads by IdentityKey. created reports whether this call
	// performed the insert; row is always the row that won the race,
	// satisfying spec.md §4.1's at-most-one-creation invariant.
	CreateDerivedIfAbsent(ctx context.Context, info TokenInfo) (created bool, row TokenInfo, err error)

	GetTokenInfo(ctx context.Context, key string) (TokenInfo, error)
	FindByIdentity(ctx context.Context, identityKey string) (TokenInfo, error)
	ListTokenInfo(ctx context.Context, username string) ([]TokenInfo, error)
	ListChildren(ctx context.Context, parentKey string) ([]TokenInfo, error)
	AllTokenKeys(ctx context.Context) ([]string, error)

	UpdateTokenInfo(ctx context.Context, key string, updater func(TokenInfo) (TokenInfo, error)) error
	DeleteTokenInfo(ctx context.Context, key string) error
	DeleteChildren(ctx context.Context, parentKey string) error

	InsertHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, tokenKey string) ([]HistoryEntry, error)
	ExpireHistory(ctx context.Context, before time.Time) (int64, error)

	ListAdmins(ctx context.Context) ([]string, error)
	IsAdmin(ctx context.Context, username string) (bool, error)
	AddAdmin(ctx context.Context, username string) error
	RemoveAdmin(ctx context.Context, username string) error
	BootstrapAdmins(ctx context.Context, usernames []string) error

	// ExpireTokens deletes rows whose expiry has passed, returning the
	// count removed. It does not touch the key-value store; callers that
	// need key-value cleanup too should look up keys via AllTokenKeys or
	// rely on the key-value store's own TTL.
	ExpireTokens(ctx context.Context, now time.Time) (int64, error)

	Close() error
}

// Schema is the DDL for the relational store. Actual migration execution
// is explicitly out of scope (spec.md §1 names "database schema
// migrations" as external plumbing); this constant documents the shape
// CreateTokenInfo/CreateDerivedIfAbsent et al. assume, for the
// golang-migrate-driven migration tool to apply.
const Schema = `
CREATE TABLE IF NOT EXISTS token_info (
	token_key    TEXT PRIMARY KEY,
	username     TEXT NOT NULL,
	token_type   TEXT NOT NULL,
	token_name   TEXT,
	service      TEXT,
	scopes       TEXT[] NOT NULL DEFAULT '{}',
	created      TIMESTAMPTZ NOT NULL,
	last_used    TIMESTAMPTZ,
	expires      TIMESTAMPTZ,
	parent_key   TEXT REFERENCES token_info(token_key) ON DELETE CASCADE,
	identity_key TEXT UNIQUE
);
CREATE INDEX IF NOT EXISTS token_info_username_idx ON token_info (username);
CREATE INDEX IF NOT EXISTS token_info_parent_key_idx ON token_info (parent_key);
CREATE UNIQUE INDEX IF NOT EXISTS token_info_username_token_name_idx
	ON token_info (username, token_name) WHERE token_type = 'user';

CREATE TABLE IF NOT EXISTS token_history (
	id         BIGSERIAL PRIMARY KEY,
	token_key  TEXT NOT NULL,
	username   TEXT NOT NULL,
	action     TEXT NOT NULL,
	actor      TEXT NOT NULL,
	scopes     TEXT[] NOT NULL DEFAULT '{}',
	expires    TIMESTAMPTZ,
	ip_address TEXT NOT NULL,
	event_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS token_history_token_key_idx ON token_history (token_key);
CREATE INDEX IF NOT EXISTS token_history_event_time_idx ON token_history (event_time);

CREATE TABLE IF NOT EXISTS admins (
	username TEXT PRIMARY KEY
);
`
