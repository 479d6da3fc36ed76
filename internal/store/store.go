package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"posledger/internal/domain"
)

var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReferentialConflict = errors.New("referential conflict")
	// ErrStorageFailure marks a unit that could not commit. Retrying the whole
	// operation is safe.
	ErrStorageFailure = errors.New("storage failure")
)

// StockError names the product that would have gone negative.
type StockError struct {
	ProductID int64
	Requested int
	OnHand    int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, on hand %d", e.ProductID, e.Requested, e.OnHand)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// Kind returns a stable code for err, or "internal" when err is not part of
// the store taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrReferentialConflict):
		return "referential_conflict"
	case errors.Is(err, ErrStorageFailure):
		return "storage_failure"
	default:
		return "internal"
	}
}

type CatalogStore interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	FindByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// AdjustStock adds delta to onHand and returns the updated product. It
	// fails with a *StockError when the result would be negative.
	AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error)
}

type SaleLedger interface {
	// AppendSale persists the header and all lines together. Ids are assigned
	// by the store and returned on the copy.
	AppendSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	GetSaleLines(ctx context.Context, saleID int64) ([]domain.SaleLine, error)
	DeleteSale(ctx context.Context, saleID int64) error
}

// Tx is the view of the catalog and ledger inside one atomic unit.
type Tx interface {
	CatalogStore
	SaleLedger
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	// Atomic runs fn as one serializable unit. Every mutation made through tx
	// is committed when fn returns nil and undone otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// ListSales yields sale history rows, most recent sale first. Each range
	// over the returned sequence runs a fresh read.
	ListSales(ctx context.Context) iter.Seq2[domain.SaleHistoryRow, error]
	UserStore
	Close() error
}

// MaxQuantity bounds stock levels and line quantities so they fit a 32-bit
// INTEGER column on every backend.
const MaxQuantity = math.MaxInt32

func ValidateProduct(product domain.Product) error {
	if strings.TrimSpace(product.Barcode) == "" {
		return fmt.Errorf("%w: barcode is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(product.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if product.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price must not be negative", ErrInvalidArgument)
	}
	if !product.UnitPrice.Equal(product.UnitPrice.Round(2)) {
		return fmt.Errorf("%w: unit price has more than 2 decimal places", ErrInvalidArgument)
	}
	if product.OnHand < 0 {
		return fmt.Errorf("%w: on hand must not be negative", ErrInvalidArgument)
	}
	if product.OnHand > MaxQuantity {
		return fmt.Errorf("%w: on hand must not exceed %d", ErrInvalidArgument, MaxQuantity)
	}
	return nil
}

// ValidateSale checks the shape of a sale about to be appended, including
// that the total matches its lines.
func ValidateSale(sale domain.Sale) error {
	if len(sale.Lines) == 0 {
		return fmt.Errorf("%w: sale has no lines", ErrInvalidArgument)
	}
	if sale.CreatedAt.IsZero() {
		return fmt.Errorf("%w: sale timestamp is required", ErrInvalidArgument)
	}
	sum := decimal.Zero
	for _, line := range sale.Lines {
		if line.ProductID < 1 || line.Quantity < 1 || line.Quantity > MaxQuantity || line.UnitPriceAtSale.IsNegative() {
			return fmt.Errorf("%w: malformed sale line for product %d", ErrInvalidArgument, line.ProductID)
		}
		sum = sum.Add(line.Subtotal())
	}
	if !sum.Equal(sale.Total) {
		return fmt.Errorf("%w: sale total %s does not match lines %s", ErrInvalidArgument, sale.Total, sum)
	}
	return nil
}
