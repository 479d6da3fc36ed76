/*
Package sqlite stores the catalog, the sale ledger and user accounts in a
single SQLite file.

The database is opened in WAL mode with foreign keys enforced and every
transaction started IMMEDIATE, so a unit takes the write lock up front and
two units never interleave. The pool is pinned to one connection, which also
keeps ":memory:" databases coherent across calls.

Prices and totals are stored as decimal TEXT. Timestamps are stored as
fixed-width UTC TEXT so that ordering by the column is chronological.

Schema is applied on New from the embedded schema.sql.
*/
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"posledger/internal/domain"
	"posledger/internal/store"
)

//go:embed schema.sql
var schema string

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and migrates it. Use
// ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&unit{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: commit: %w", store.ErrStorageFailure, err)
	}
	return nil
}

// ListSales streams history rows straight from the cursor. The single pooled
// connection stays busy until iteration ends, so callers must not start a
// unit from inside the loop.
func (s *Store) ListSales(ctx context.Context) iter.Seq2[domain.SaleHistoryRow, error] {
	return func(yield func(domain.SaleHistoryRow, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT s.id, s.created_at, s.total, l.product_id, p.name, l.quantity, l.unit_price_at_sale
			FROM sales s
			JOIN sale_lines l ON l.sale_id = s.id
			JOIN products p ON p.id = l.product_id
			ORDER BY s.created_at DESC, s.id DESC, l.id ASC
		`)
		if err != nil {
			yield(domain.SaleHistoryRow{}, mapErr(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row domain.SaleHistoryRow
			var createdAt string
			if err := rows.Scan(&row.SaleID, &createdAt, &row.Total, &row.ProductID, &row.ProductName, &row.Quantity, &row.UnitPriceAtSale); err != nil {
				yield(domain.SaleHistoryRow{}, err)
				return
			}
			if row.CreatedAt, err = parseTime(createdAt); err != nil {
				yield(domain.SaleHistoryRow{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.SaleHistoryRow{}, mapErr(err))
		}
	}
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || !user.Role.Valid() {
		return store.ErrInvalidArgument
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.Username, user.Password, string(user.Role), user.Active, formatTime(user.CreatedAt), formatTime(time.Now()))
	return mapErr(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		var role, createdAt string
		if err := rows.Scan(&user.Username, &user.Password, &role, &user.Active, &createdAt); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		if user.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidArgument
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = ?, updated_at = ? WHERE username = ?
	`, password, formatTime(time.Now()), username)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// mapErr translates driver errors into the store taxonomy. Errors it does not
// recognise are returned unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %w", store.ErrReferentialConflict, err)
	case sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	}
	switch sqliteErr.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", store.ErrStorageFailure, err)
	}
	return err
}
