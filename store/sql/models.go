package sql

import "time"

// TokenInfo is the relational-store row backing a token, spec.md §3. The
// key-value store is authoritative for the hot path; this row exists for
// listing, auditing, and history.
type TokenInfo struct {
	TokenKey  string     `db:"token_key"`
	Username  string     `db:"username"`
	TokenType string     `db:"token_type"`
	TokenName *string    `db:"token_name"`
	Service   *string    `db:"service"`
	Scopes    scopeArray `db:"scopes"`
	Created   time.Time  `db:"created"`
	LastUsed  *time.Time `db:"last_used"`
	Expires   *time.Time `db:"expires"`
	ParentKey *string    `db:"parent_key"`

	// IdentityKey is set only for derived (notebook/internal) tokens and
	// uniquely identifies the (parent, kind, service, scopes) tuple used
	// for at-most-one-creation dedup (spec.md §4.1/§4.6).
	IdentityKey *string `db:"identity_key"`
}

// HistoryAction is the action recorded in an audit history entry.
type HistoryAction string

const (
	HistoryCreate HistoryAction = "create"
	HistoryEdit   HistoryAction = "edit"
	HistoryExpire HistoryAction = "expire"
	HistoryRevoke HistoryAction = "revoke"
)

// HistoryEntry is an append-only audit record, spec.md §3.
type HistoryEntry struct {
	ID        int64         `db:"id"`
	TokenKey  string        `db:"token_key"`
	Username  string        `db:"username"`
	Action    HistoryAction `db:"action"`
	Actor     string        `db:"actor"`
	Scopes    scopeArray    `db:"scopes"`
	Expires   *time.Time    `db:"expires"`
	IPAddress string        `db:"ip_address"`
	EventTime time.Time     `db:"event_time"`
}

// Admin is a flat username granted administrative privileges.
type Admin struct {
	Username string `db:"username"`
}
