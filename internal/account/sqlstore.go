package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and goose dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQL statements, written with "?" placeholders and rebound per dialect.
const (
	sqlAccountColumns = `user_id, account_id, vendor, access_token, refresh_token,
		expires_at, root_hint, created_at, updated_at`

	sqlGetAccount = `SELECT ` + sqlAccountColumns + `
		FROM external_accounts WHERE user_id = ? AND account_id = ?`

	sqlListAccounts = `SELECT ` + sqlAccountColumns + `
		FROM external_accounts WHERE user_id = ? ORDER BY account_id`

	sqlUpsertAccount = `INSERT INTO external_accounts
		(` + sqlAccountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, account_id) DO UPDATE SET
		 vendor = excluded.vendor,
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 root_hint = excluded.root_hint,
		 updated_at = excluded.updated_at`

	//nolint:gosec // G101: column names, not credentials
	sqlUpdateTokens = `UPDATE external_accounts
		SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		WHERE user_id = ? AND account_id = ? AND expires_at = ?`

	sqlAccountExists = `SELECT 1 FROM external_accounts WHERE user_id = ? AND account_id = ?`

	sqlDeleteAccount = `DELETE FROM external_accounts WHERE user_id = ? AND account_id = ?`

	sqlGetVersionState = `SELECT file_id, vendor, version_id, synced_at
		FROM file_version_states WHERE vendor = ? AND file_id = ?`

	sqlSaveVersionState = `INSERT INTO file_version_states (file_id, vendor, version_id, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, vendor) DO UPDATE SET
		 version_id = excluded.version_id,
		 synced_at = excluded.synced_at`
)

// SQLStore implements Store over database/sql. The same statements run on
// SQLite (modernc.org/sqlite) and PostgreSQL (pgx stdlib).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewSQLStore wraps an already-migrated database handle.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// q rebinds "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder

	n := 0

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, userID, accountID string) (*ExternalAccount, error) {
	row := s.db.QueryRowContext(ctx, s.q(sqlGetAccount), userID, accountID)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("account: loading %s: %w", Key(userID, accountID), err)
	}

	return a, nil
}

func (s *SQLStore) List(ctx context.Context, userID string) ([]ExternalAccount, error) {
	rows, err := s.db.QueryContext(ctx, s.q(sqlListAccounts), userID)
	if err != nil {
		return nil, fmt.Errorf("account: listing accounts: %w", err)
	}
	defer rows.Close()

	var out []ExternalAccount

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account: scanning account row: %w", err)
		}

		out = append(out, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account: iterating account rows: %w", err)
	}

	return out, nil
}

func (s *SQLStore) Upsert(ctx context.Context, a *ExternalAccount) error {
	now := s.nowFunc()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(sqlUpsertAccount),
		a.UserID, a.AccountID, a.Vendor, a.AccessToken, a.RefreshToken,
		a.ExpiresAt.UnixNano(), a.RootHint, a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("account: saving %s: %w", a.Key(), err)
	}

	s.logger.Debug("account saved",
		slog.String("user_id", a.UserID),
		slog.String("account_id", a.AccountID),
		slog.String("vendor", a.Vendor),
	)

	return nil
}

func (s *SQLStore) UpdateTokens(ctx context.Context, a *ExternalAccount, expectedExpiry time.Time) error {
	a.UpdatedAt = s.nowFunc()

	res, err := s.db.ExecContext(ctx, s.q(sqlUpdateTokens),
		a.AccessToken, a.RefreshToken, a.ExpiresAt.UnixNano(), a.UpdatedAt.UnixNano(),
		a.UserID, a.AccountID, expectedExpiry.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("account: updating tokens for %s: %w", a.Key(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: updating tokens for %s: %w", a.Key(), err)
	}

	if n == 1 {
		return nil
	}

	// Zero rows: either the record is gone or the expiry moved underneath us.
	var one int

	err = s.db.QueryRowContext(ctx, s.q(sqlAccountExists), a.UserID, a.AccountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	if err != nil {
		return fmt.Errorf("account: checking %s: %w", a.Key(), err)
	}

	return ErrStale
}

func (s *SQLStore) Delete(ctx context.Context, userID, accountID string) error {
	res, err := s.db.ExecContext(ctx, s.q(sqlDeleteAccount), userID, accountID)
	if err != nil {
		return fmt.Errorf("account: deleting %s: %w", Key(userID, accountID), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: deleting %s: %w", Key(userID, accountID), err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *SQLStore) GetVersionState(ctx context.Context, vendor, fileID string) (*FileVersionState, error) {
	var (
		st       FileVersionState
		syncedAt int64
	)

	err := s.db.QueryRowContext(ctx, s.q(sqlGetVersionState), vendor, fileID).
		Scan(&st.FileID, &st.Vendor, &st.VersionID, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("account: loading version state for %s: %w", fileID, err)
	}

	st.SyncedAt = time.Unix(0, syncedAt)

	return &st, nil
}

func (s *SQLStore) SaveVersionState(ctx context.Context, st *FileVersionState) error {
	if st.SyncedAt.IsZero() {
		st.SyncedAt = s.nowFunc()
	}

	_, err := s.db.ExecContext(ctx, s.q(sqlSaveVersionState),
		st.FileID, st.Vendor, st.VersionID, st.SyncedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("account: saving version state for %s: %w", st.FileID, err)
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*ExternalAccount, error) {
	var (
		a                         ExternalAccount
		expires, created, updated int64
	)

	err := r.Scan(
		&a.UserID, &a.AccountID, &a.Vendor, &a.AccessToken, &a.RefreshToken,
		&expires, &a.RootHint, &created, &updated,
	)
	if err != nil {
		return nil, err
	}

	a.ExpiresAt = time.Unix(0, expires)
	a.CreatedAt = time.Unix(0, created)
	a.UpdatedAt = time.Unix(0, updated)

	return &a, nil
}
