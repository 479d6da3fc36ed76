package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/internal/domain"
	"posledger/internal/store"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Atomic runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as store.ErrStorageFailure so the caller can retry.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&unit{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if mapped := mapErr(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%w: commit: %w", store.ErrStorageFailure, err)
	}
	return nil
}

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
			if err := rows.Scan(&row.SaleID, &row.CreatedAt, &row.Total, &row.ProductID, &row.ProductName, &row.Quantity, &row.UnitPriceAtSale); err != nil {
				yield(domain.SaleHistoryRow{}, mapErr(err))
				return
			}
			row.CreatedAt = row.CreatedAt.UTC()
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
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, string(user.Role), user.Active, user.CreatedAt)
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

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		var role string
		if err := rows.Scan(&user.Username, &user.Password, &role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.Role = domain.Role(role)
		user.CreatedAt = user.CreatedAt.UTC()
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
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
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

// mapErr translates postgres errors into the store taxonomy by SQLSTATE.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %w", store.ErrDuplicateKey, err)
	case "23503":
		return fmt.Errorf("%w: %w", store.ErrReferentialConflict, err)
	case "23514", "22003":
		return fmt.Errorf("%w: %w", store.ErrInvalidArgument, err)
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", store.ErrStorageFailure, err)
	}
	return err
}
