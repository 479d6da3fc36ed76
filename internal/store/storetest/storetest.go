// Package storetest holds the behavioural contract every store.Repository
// implementation must satisfy. Each backend's tests call Run with a factory
// that returns an empty repository.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// Factory returns a fresh repository holding no products or sales.
type Factory func(t *testing.T) store.Repository

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndLookupProduct", func(t *testing.T) { testCreateAndLookup(t, newRepo(t)) })
	t.Run("ListProductsOrderedByName", func(t *testing.T) { testListProducts(t, newRepo(t)) })
	t.Run("DuplicateBarcode", func(t *testing.T) { testDuplicateBarcode(t, newRepo(t)) })
	t.Run("RejectsInvalidProduct", func(t *testing.T) { testInvalidProduct(t, newRepo(t)) })
	t.Run("UpdateProduct", func(t *testing.T) { testUpdateProduct(t, newRepo(t)) })
	t.Run("AdjustStock", func(t *testing.T) { testAdjustStock(t, newRepo(t)) })
	t.Run("FailedUnitLeavesNoTrace", func(t *testing.T) { testRollback(t, newRepo(t)) })
	t.Run("AppendAndGetSale", func(t *testing.T) { testAppendSale(t, newRepo(t)) })
	t.Run("AppendSaleRejectsMismatchedTotal", func(t *testing.T) { testAppendSaleMismatch(t, newRepo(t)) })
	t.Run("DeleteSaleRemovesLines", func(t *testing.T) { testDeleteSale(t, newRepo(t)) })
	t.Run("DeleteProduct", func(t *testing.T) { testDeleteProduct(t, newRepo(t)) })
	t.Run("ListSalesNewestFirst", func(t *testing.T) { testListSales(t, newRepo(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, newRepo(t)) })
}

func atomic(t *testing.T, repo store.Repository, fn func(tx store.Tx) error) error {
	t.Helper()
	return repo.Atomic(context.Background(), fn)
}

func mustCreate(t *testing.T, repo store.Repository, barcode, name, price string, onHand int) domain.Product {
	t.Helper()
	var created *domain.Product
	err := atomic(t, repo, func(tx store.Tx) error {
		var err error
		created, err = tx.CreateProduct(context.Background(), domain.Product{
			Barcode:   barcode,
			Name:      name,
			UnitPrice: decimal.RequireFromString(price),
			OnHand:    onHand,
		})
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	return *created
}

func mustGet(t *testing.T, repo store.Repository, id int64) domain.Product {
	t.Helper()
	var got *domain.Product
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		var err error
		got, err = tx.GetProduct(context.Background(), id)
		return err
	}))
	return *got
}

func mustAppend(t *testing.T, repo store.Repository, at time.Time, lines ...domain.SaleLine) domain.Sale {
	t.Helper()
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	var sale *domain.Sale
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		var err error
		sale, err = tx.AppendSale(context.Background(), domain.Sale{CreatedAt: at, Total: total, Lines: lines})
		return err
	}))
	return *sale
}

func line(productID int64, qty int, price string) domain.SaleLine {
	return domain.SaleLine{ProductID: productID, Quantity: qty, UnitPriceAtSale: decimal.RequireFromString(price)}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got)
}

func testCreateAndLookup(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	created := mustCreate(t, repo, " A1 ", "Agua", "5.00", 10)
	assert.Equal(t, "A1", created.Barcode)

	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		byID, err := tx.GetProduct(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Agua", byID.Name)
		assert.Equal(t, 10, byID.OnHand)
		requireDecimal(t, "5", byID.UnitPrice)

		byCode, err := tx.FindByBarcode(ctx, "A1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byCode.ID)

		_, err = tx.FindByBarcode(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.GetProduct(ctx, created.ID+1000)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListProducts(t *testing.T, repo store.Repository) {
	mustCreate(t, repo, "C3", "Cafe", "62.90", 1)
	mustCreate(t, repo, "A1", "Agua", "5.00", 1)
	mustCreate(t, repo, "B2", "Bolillo", "1.50", 1)

	var names []string
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		products, err := tx.ListProducts(context.Background())
		for _, p := range products {
			names = append(names, p.Name)
		}
		return err
	}))
	assert.Equal(t, []string{"Agua", "Bolillo", "Cafe"}, names)
}

func testDuplicateBarcode(t *testing.T, repo store.Repository) {
	mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.CreateProduct(context.Background(), domain.Product{
			Barcode: "A1", Name: "Otra", UnitPrice: decimal.RequireFromString("1.00"), OnHand: 1,
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	assert.Equal(t, "duplicate_key", store.Kind(err))
}

func testInvalidProduct(t *testing.T, repo store.Repository) {
	cases := []domain.Product{
		{Barcode: "", Name: "x", UnitPrice: decimal.RequireFromString("1.00"), OnHand: 1},
		{Barcode: "X1", Name: "  ", UnitPrice: decimal.RequireFromString("1.00"), OnHand: 1},
		{Barcode: "X1", Name: "x", UnitPrice: decimal.RequireFromString("-0.01"), OnHand: 1},
		{Barcode: "X1", Name: "x", UnitPrice: decimal.RequireFromString("1.005"), OnHand: 1},
		{Barcode: "X1", Name: "x", UnitPrice: decimal.RequireFromString("1.00"), OnHand: -1},
		{Barcode: "X1", Name: "x", UnitPrice: decimal.RequireFromString("1.00"), OnHand: store.MaxQuantity + 1},
	}
	for _, product := range cases {
		err := atomic(t, repo, func(tx store.Tx) error {
			_, err := tx.CreateProduct(context.Background(), product)
			return err
		})
		assert.ErrorIs(t, err, store.ErrInvalidArgument, "product %+v", product)
	}
}

func testUpdateProduct(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	b := mustCreate(t, repo, "B2", "Bolillo", "1.50", 3)

	a.Name = "Agua Natural"
	a.UnitPrice = decimal.RequireFromString("6.25")
	a.OnHand = 12
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.UpdateProduct(ctx, a)
		return err
	}))
	got := mustGet(t, repo, a.ID)
	assert.Equal(t, "Agua Natural", got.Name)
	assert.Equal(t, 12, got.OnHand)
	requireDecimal(t, "6.25", got.UnitPrice)

	b.Barcode = "A1"
	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.UpdateProduct(ctx, b)
		return err
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	missing := a
	missing.ID = a.ID + 1000
	missing.Barcode = "Z9"
	err = atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.UpdateProduct(ctx, missing)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAdjustStock(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustCreate(t, repo, "A1", "Agua", "5.00", 10)

	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		updated, err := tx.AdjustStock(ctx, p.ID, -4)
		require.NoError(t, err)
		assert.Equal(t, 6, updated.OnHand)
		updated, err = tx.AdjustStock(ctx, p.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, 8, updated.OnHand)
		return nil
	}))

	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, p.ID, -9)
		return err
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	var stockErr *store.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, p.ID, stockErr.ProductID)
	assert.Equal(t, 9, stockErr.Requested)
	assert.Equal(t, 8, stockErr.OnHand)
	assert.Equal(t, 8, mustGet(t, repo, p.ID).OnHand)

	err = atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, p.ID+1000, 1)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AdjustStock(ctx, p.ID, store.MaxQuantity)
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.Equal(t, 8, mustGet(t, repo, p.ID).OnHand)
}

func testRollback(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	p := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	boom := errors.New("boom")

	err := atomic(t, repo, func(tx store.Tx) error {
		if _, err := tx.AdjustStock(ctx, p.ID, -3); err != nil {
			return err
		}
		if _, err := tx.CreateProduct(ctx, domain.Product{
			Barcode: "B2", Name: "Bolillo", UnitPrice: decimal.RequireFromString("1.50"), OnHand: 1,
		}); err != nil {
			return err
		}
		if _, err := tx.AppendSale(ctx, domain.Sale{
			CreatedAt: baseTime,
			Total:     decimal.RequireFromString("15.00"),
			Lines:     []domain.SaleLine{line(p.ID, 3, "5.00")},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 10, mustGet(t, repo, p.ID).OnHand)
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.FindByBarcode(ctx, "B2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))
	for _, err := range repo.ListSales(ctx) {
		require.NoError(t, err)
		t.Fatal("expected no sales after a failed unit")
	}
}

func testAppendSale(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	b := mustCreate(t, repo, "B2", "Bolillo", "1.50", 10)

	sale := mustAppend(t, repo, baseTime, line(a.ID, 2, "5.00"), line(b.ID, 3, "1.50"))
	require.NotZero(t, sale.ID)
	require.Len(t, sale.Lines, 2)
	for _, l := range sale.Lines {
		assert.NotZero(t, l.ID)
		assert.Equal(t, sale.ID, l.SaleID)
	}

	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		got, err := tx.GetSale(ctx, sale.ID)
		require.NoError(t, err)
		assert.True(t, baseTime.Equal(got.CreatedAt))
		requireDecimal(t, "14.50", got.Total)
		require.Len(t, got.Lines, 2)
		assert.Equal(t, a.ID, got.Lines[0].ProductID)
		assert.Equal(t, 2, got.Lines[0].Quantity)
		requireDecimal(t, "1.50", got.Lines[1].UnitPriceAtSale)

		_, err = tx.GetSale(ctx, sale.ID+1000)
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	}))

	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AppendSale(ctx, domain.Sale{
			CreatedAt: baseTime,
			Total:     decimal.RequireFromString("5.00"),
			Lines:     []domain.SaleLine{line(a.ID+1000, 1, "5.00")},
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAppendSaleMismatch(t *testing.T, repo store.Repository) {
	a := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	err := atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AppendSale(context.Background(), domain.Sale{
			CreatedAt: baseTime,
			Total:     decimal.RequireFromString("9.99"),
			Lines:     []domain.SaleLine{line(a.ID, 2, "5.00")},
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	err = atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.AppendSale(context.Background(), domain.Sale{CreatedAt: baseTime, Total: decimal.Zero})
		return err
	})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func testDeleteSale(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	sale := mustAppend(t, repo, baseTime, line(a.ID, 1, "5.00"))

	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		return tx.DeleteSale(ctx, sale.ID)
	}))
	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		_, err := tx.GetSale(ctx, sale.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		lines, err := tx.GetSaleLines(ctx, sale.ID)
		require.NoError(t, err)
		assert.Empty(t, lines)
		return nil
	}))

	err := atomic(t, repo, func(tx store.Tx) error {
		return tx.DeleteSale(ctx, sale.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDeleteProduct(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	sold := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	unsold := mustCreate(t, repo, "B2", "Bolillo", "1.50", 10)
	mustAppend(t, repo, baseTime, line(sold.ID, 1, "5.00"))

	err := atomic(t, repo, func(tx store.Tx) error {
		return tx.DeleteProduct(ctx, sold.ID)
	})
	assert.ErrorIs(t, err, store.ErrReferentialConflict)
	assert.Equal(t, 10, mustGet(t, repo, sold.ID).OnHand)

	require.NoError(t, atomic(t, repo, func(tx store.Tx) error {
		return tx.DeleteProduct(ctx, unsold.ID)
	}))
	err = atomic(t, repo, func(tx store.Tx) error {
		return tx.DeleteProduct(ctx, unsold.ID)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The barcode is free again once the product is gone.
	mustCreate(t, repo, "B2", "Bolillo Nuevo", "1.75", 5)
}

func testListSales(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	a := mustCreate(t, repo, "A1", "Agua", "5.00", 10)
	b := mustCreate(t, repo, "B2", "Bolillo", "1.50", 10)
	older := mustAppend(t, repo, baseTime, line(a.ID, 1, "5.00"))
	newer := mustAppend(t, repo, baseTime.Add(time.Hour), line(b.ID, 2, "1.50"), line(a.ID, 1, "5.00"))

	var rows []domain.SaleHistoryRow
	for row, err := range repo.ListSales(ctx) {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 3)
	assert.Equal(t, newer.ID, rows[0].SaleID)
	assert.Equal(t, "Bolillo", rows[0].ProductName)
	assert.Equal(t, 2, rows[0].Quantity)
	requireDecimal(t, "8.00", rows[0].Total)
	assert.Equal(t, newer.ID, rows[1].SaleID)
	assert.Equal(t, "Agua", rows[1].ProductName)
	assert.Equal(t, older.ID, rows[2].SaleID)
	assert.True(t, baseTime.Equal(rows[2].CreatedAt))

	seen := 0
	for _, err := range repo.ListSales(ctx) {
		require.NoError(t, err)
		seen++
		break
	}
	assert.Equal(t, 1, seen)

	// A new pass reflects writes made after the previous one.
	mustAppend(t, repo, baseTime.Add(2*time.Hour), line(a.ID, 1, "5.00"))
	count := 0
	for _, err := range repo.ListSales(ctx) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 4, count)
}

func testUsers(t *testing.T, repo store.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.CreateUser(ctx, domain.UserAccount{
		Username: " Clerk ", Password: "hash", Role: domain.RoleSeller, Active: true,
	}))
	err := repo.CreateUser(ctx, domain.UserAccount{
		Username: "clerk", Password: "other", Role: domain.RoleSeller, Active: true,
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
	assert.ErrorIs(t, repo.CreateUser(ctx, domain.UserAccount{Username: "x", Password: "p", Role: "owner"}), store.ErrInvalidArgument)

	require.NoError(t, repo.UpdateUserPassword(ctx, "clerk", "new-hash"))
	assert.ErrorIs(t, repo.UpdateUserPassword(ctx, "nobody", "x"), store.ErrNotFound)

	users, err := repo.ListUsers(ctx)
	require.NoError(t, err)
	var clerk *domain.UserAccount
	for i := range users {
		if users[i].Username == "clerk" {
			clerk = &users[i]
		}
	}
	require.NotNil(t, clerk)
	assert.Equal(t, "new-hash", clerk.Password)
	assert.Equal(t, domain.RoleSeller, clerk.Role)
	assert.True(t, clerk.Active)
}
