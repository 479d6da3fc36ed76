package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"posledger/internal/domain"
	"posledger/internal/store"
)

type unit struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const productColumns = `id, barcode, name, unit_price, on_hand`

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.Barcode, &p.Name, &p.UnitPrice, &p.OnHand); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (u *unit) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Barcode = strings.TrimSpace(product.Barcode)
	product.Name = strings.TrimSpace(product.Name)
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO products (barcode, name, unit_price, on_hand)
		VALUES (?, ?, ?, ?)
	`, product.Barcode, product.Name, product.UnitPrice.StringFixed(2), product.OnHand)
	if err != nil {
		return nil, mapErr(err)
	}
	if product.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	created := product
	return &created, nil
}

func (u *unit) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.Barcode = strings.TrimSpace(product.Barcode)
	product.Name = strings.TrimSpace(product.Name)
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}

	res, err := u.tx.ExecContext(ctx, `
		UPDATE products
		SET barcode = ?, name = ?, unit_price = ?, on_hand = ?
		WHERE id = ?
	`, product.Barcode, product.Name, product.UnitPrice.StringFixed(2), product.OnHand, product.ID)
	if err != nil {
		return nil, mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, product.ID)
	}

	updated := product
	return &updated, nil
}

func (u *unit) DeleteProduct(ctx context.Context, id int64) error {
	res, err := u.tx.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	return nil
}

func (u *unit) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(u.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
		}
		return nil, err
	}
	return p, nil
}

func (u *unit) FindByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	p, err := scanProduct(u.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = ?`, barcode))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: barcode %q", store.ErrNotFound, barcode)
		}
		return nil, err
	}
	return p, nil
}

func (u *unit) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := u.tx.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return products, nil
}

func (u *unit) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	res, err := u.tx.ExecContext(ctx, `
		UPDATE products SET on_hand = on_hand + ?
		WHERE id = ? AND on_hand + ? >= 0
	`, delta, id, delta)
	if err != nil {
		return nil, mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	current, err := u.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, &store.StockError{ProductID: id, Requested: -delta, OnHand: current.OnHand}
	}
	return current, nil
}

func (u *unit) AppendSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO sales (created_at, total) VALUES (?, ?)
	`, formatTime(sale.CreatedAt), sale.Total.StringFixed(2))
	if err != nil {
		return nil, mapErr(err)
	}
	if sale.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}

	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		res, err := u.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price_at_sale)
			VALUES (?, ?, ?, ?)
		`, sale.ID, line.ProductID, line.Quantity, line.UnitPriceAtSale.StringFixed(2))
		if err != nil {
			err = mapErr(err)
			if errors.Is(err, store.ErrReferentialConflict) {
				return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, line.ProductID)
			}
			return nil, err
		}
		if line.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
		line.SaleID = sale.ID
		lines[i] = line
	}

	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.Lines = lines
	return &sale, nil
}

func (u *unit) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	var sale domain.Sale
	var createdAt string
	err := u.tx.QueryRowContext(ctx, `SELECT id, created_at, total FROM sales WHERE id = ?`, id).
		Scan(&sale.ID, &createdAt, &sale.Total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %d", store.ErrNotFound, id)
		}
		return nil, mapErr(err)
	}
	if sale.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sale.Lines, err = u.GetSaleLines(ctx, id); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (u *unit) GetSaleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error) {
	rows, err := u.tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price_at_sale
		FROM sale_lines
		WHERE sale_id = ?
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.Quantity, &line.UnitPriceAtSale); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return lines, nil
}

func (u *unit) DeleteSale(ctx context.Context, saleID int64) error {
	res, err := u.tx.ExecContext(ctx, `DELETE FROM sales WHERE id = ?`, saleID)
	if err != nil {
		return mapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: sale %d", store.ErrNotFound, saleID)
	}
	return nil
}
