package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `json:"id"`
	Barcode   string          `json:"barcode"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	OnHand    int             `json:"on_hand"`
}

// ProductInput is the create/update payload. Update replaces every field.
type ProductInput struct {
	Barcode   string          `json:"barcode"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	OnHand    int             `json:"on_hand"`
}

type Sale struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Total     decimal.Decimal `json:"total"`
	Lines     []SaleLine      `json:"lines,omitempty"`
}

type SaleLine struct {
	ID              int64           `json:"id"`
	SaleID          int64           `json:"sale_id"`
	ProductID       int64           `json:"product_id"`
	Quantity        int             `json:"quantity"`
	UnitPriceAtSale decimal.Decimal `json:"unit_price_at_sale"`
}

// Subtotal is Quantity × UnitPriceAtSale.
func (l SaleLine) Subtotal() decimal.Decimal {
	return l.UnitPriceAtSale.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// SaleHistoryRow is one sale line joined with its sale header and product name.
type SaleHistoryRow struct {
	SaleID          int64           `json:"sale_id"`
	CreatedAt       time.Time       `json:"created_at"`
	Total           decimal.Decimal `json:"total"`
	ProductID       int64           `json:"product_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	UnitPriceAtSale decimal.Decimal `json:"unit_price_at_sale"`
}

type CartLine struct {
	ProductID     int64           `json:"product_id"`
	Quantity      int             `json:"quantity"`
	UnitPriceHint decimal.Decimal `json:"unit_price_hint"`
}

type SaleRequest struct {
	Cart          []CartLine      `json:"cart"`
	DeclaredTotal decimal.Decimal `json:"declared_total"`
}

type SaleReceipt struct {
	SaleID        int64           `json:"sale_id"`
	ComputedTotal decimal.Decimal `json:"computed_total"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SaleResult is the wire shape returned to the sale terminal.
type SaleResult struct {
	Success       bool             `json:"success"`
	SaleID        *int64           `json:"sale_id,omitempty"`
	ComputedTotal *decimal.Decimal `json:"computed_total,omitempty"`
	Error         string           `json:"error,omitempty"`
	ErrorCode     string           `json:"error_code,omitempty"`
}

type VoidReceipt struct {
	SaleID    int64         `json:"sale_id"`
	Restocked map[int64]int `json:"restocked"`
	VoidedAt  time.Time     `json:"voided_at"`
}

type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleSeller        Role = "seller"
)

func (r Role) Valid() bool {
	return r == RoleAdministrator || r == RoleSeller
}

type Actor struct {
	Username string
	Role     Role
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      Role
	Active    bool
	CreatedAt time.Time
}
