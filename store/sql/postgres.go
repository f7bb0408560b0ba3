package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/authgw/authgw/gwlog"
)

// Config configures a Postgres-backed Store, following the NetworkDB shape
// dex's storage/sql.Postgres config uses.
type Config struct {
	Host     string
	Port     uint16
	Database string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns int
	MaxIdleConns int
}

func (c *Config) dsn() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, sslMode)
}

// Open connects to Postgres and returns a Store.
func (c *Config) Open(logger gwlog.Logger) (Store, error) {
	db, err := sqlx.Connect("postgres", c.dsn())
	if err != nil {
		return nil, fmt.Errorf("sql: connect: %w", err)
	}
	maxOpen := c.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 5
	}
	maxIdle := c.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	return &pgStore{db: db, logger: logger}, nil
}

type pgStore struct {
	db     *sqlx.DB
	logger gwlog.Logger
}

func (s *pgStore) Close() error { return s.db.Close() }

func (s *pgStore) CreateTokenInfo(ctx context.Context, info TokenInfo) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO token_info
			(token_key, username, token_type, token_name, service, scopes,
			 created, last_used, expires, parent_key, identity_key)
		VALUES
			(:token_key, :username, :token_type, :token_name, :service, :scopes,
			 :created, :last_used, :expires, :parent_key, :identity_key)
	`, info)
	return err
}

func (s *pgStore) CreateDerivedIfAbsent(ctx context.Context, info TokenInfo) (bool, TokenInfo, error) {
	if info.IdentityKey == nil {
		return false, TokenInfo{}, errIdentityRequired
	}

	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO token_info
			(token_key, username, token_type, token_name, service, scopes,
			 created, last_used, expires, parent_key, identity_key)
		VALUES
			(:token_key, :username, :token_type, :token_name, :service, :scopes,
			 :created, :last_used, :expires, :parent_key, :identity_key)
		ON CONFLICT (identity_key) DO NOTHING
	`, info)
	if err != nil {
		return false, TokenInfo{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, TokenInfo{}, err
	}

	row, err := s.FindByIdentity(ctx, *info.IdentityKey)
	if err != nil {
		return false, TokenInfo{}, err
	}
	return n == 1, row, nil
}

func (s *pgStore) GetTokenInfo(ctx context.Context, key string) (TokenInfo, error) {
	var info TokenInfo
	err := s.db.GetContext(ctx, &info, `SELECT * FROM token_info WHERE token_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenInfo{}, ErrNotFound
	}
	return info, err
}

func (s *pgStore) FindByIdentity(ctx context.Context, identityKey string) (TokenInfo, error) {
	var info TokenInfo
	err := s.db.GetContext(ctx, &info, `SELECT * FROM token_info WHERE identity_key = $1`, identityKey)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenInfo{}, ErrNotFound
	}
	return info, err
}

func (s *pgStore) ListTokenInfo(ctx context.Context, username string) ([]TokenInfo, error) {
	var rows []TokenInfo
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM token_info WHERE username = $1 ORDER BY created`, username)
	return rows, err
}

func (s *pgStore) ListChildren(ctx context.Context, parentKey string) ([]TokenInfo, error) {
	var rows []TokenInfo
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM token_info WHERE parent_key = $1`, parentKey)
	return rows, err
}

func (s *pgStore) AllTokenKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys, `SELECT token_key FROM token_info`)
	return keys, err
}

func (s *pgStore) UpdateTokenInfo(ctx context.Context, key string, updater func(TokenInfo) (TokenInfo, error)) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var info TokenInfo
	if err := tx.GetContext(ctx, &info, `SELECT * FROM token_info WHERE token_key = $1 FOR UPDATE`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	updated, err := updater(info)
	if err != nil {
		return err
	}

	_, err = tx.NamedExecContext(ctx, `
		UPDATE token_info SET
			username = :username, token_type = :token_type, token_name = :token_name,
			service = :service, scopes = :scopes, last_used = :last_used,
			expires = :expires
		WHERE token_key = :token_key
	`, updated)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgStore) DeleteTokenInfo(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM token_info WHERE token_key = $1`, key)
	return err
}

func (s *pgStore) DeleteChildren(ctx context.Context, parentKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM token_info WHERE parent_key = $1`, parentKey)
	return err
}

func (s *pgStore) InsertHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO token_history (token_key, username, action, actor, scopes, expires, ip_address, event_time)
		VALUES (:token_key, :username, :action, :actor, :scopes, :expires, :ip_address, :event_time)
	`, entry)
	return err
}

func (s *pgStore) ListHistory(ctx context.Context, tokenKey string) ([]HistoryEntry, error) {
	var rows []HistoryEntry
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM token_history WHERE token_key = $1 ORDER BY event_time`, tokenKey)
	return rows, err
}

func (s *pgStore) ExpireHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_history WHERE event_time < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *pgStore) ListAdmins(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT username FROM admins ORDER BY username`)
	return names, err
}

func (s *pgStore) IsAdmin(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM admins WHERE username = $1)`, username)
	return exists, err
}

func (s *pgStore) AddAdmin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO admins (username) VALUES ($1) ON CONFLICT DO NOTHING`, username)
	return err
}

func (s *pgStore) RemoveAdmin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM admins WHERE username = $1`, username)
	return err
}

func (s *pgStore) BootstrapAdmins(ctx context.Context, usernames []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM admins`); err != nil {
		return err
	}
	if count > 0 {
		return tx.Commit()
	}
	for _, u := range usernames {
		if _, err := tx.ExecContext(ctx, `INSERT INTO admins (username) VALUES ($1) ON CONFLICT DO NOTHING`, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgStore) ExpireTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_info WHERE expires IS NOT NULL AND expires < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
