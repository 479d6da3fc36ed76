package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// Store keeps the catalog and ledger in process memory. Atomic holds the
// write lock for the whole unit, so units are fully serialized.
type Store struct {
	mu          sync.RWMutex
	products    map[int64]domain.Product
	barcodes    map[string]int64
	sales       map[int64]domain.Sale
	lines       map[int64][]domain.SaleLine
	nextProduct int64
	nextSale    int64
	nextLine    int64

	usersMu         sync.RWMutex
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[int64]domain.Product),
		barcodes:        make(map[string]int64),
		sales:           make(map[int64]domain.Sale),
		lines:           make(map[int64][]domain.SaleLine),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a small demo catalog and the dev accounts.
func NewSeeded() *Store {
	s := New()
	seed := []domain.Product{
		{Barcode: "A1", Name: "Agua Mineral 600ml", UnitPrice: decimal.RequireFromString("5.00"), OnHand: 10},
		{Barcode: "B2", Name: "Pan Dulce", UnitPrice: decimal.RequireFromString("3.50"), OnHand: 40},
		{Barcode: "C3", Name: "Cafe Molido 250g", UnitPrice: decimal.RequireFromString("62.90"), OnHand: 15},
		{Barcode: "D4", Name: "Leche Entera 1L", UnitPrice: decimal.RequireFromString("24.00"), OnHand: 30},
	}
	for _, p := range seed {
		s.nextProduct++
		p.ID = s.nextProduct
		s.products[p.ID] = p
		s.barcodes[p.Barcode] = p.ID
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD; when unset, fixed dev
// defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		slog.Warn("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, 2)
	for _, u := range []struct {
		username string
		password string
		role     domain.Role
	}{
		{"admin", adminPwd, domain.RoleAdministrator},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := &unit{s: s}
	defer func() {
		if r := recover(); r != nil {
			u.rollback()
			panic(r)
		}
	}()

	if err := fn(u); err != nil {
		u.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		u.rollback()
		return err
	}
	u.closed = true
	return nil
}

func (s *Store) ListSales(ctx context.Context) iter.Seq2[domain.SaleHistoryRow, error] {
	return func(yield func(domain.SaleHistoryRow, error) bool) {
		for _, row := range s.historySnapshot() {
			if err := ctx.Err(); err != nil {
				yield(domain.SaleHistoryRow{}, err)
				return
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (s *Store) historySnapshot() []domain.SaleHistoryRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		sales = append(sales, sale)
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	rows := make([]domain.SaleHistoryRow, 0, len(sales))
	for _, sale := range sales {
		for _, line := range s.lines[sale.ID] {
			rows = append(rows, domain.SaleHistoryRow{
				SaleID:          sale.ID,
				CreatedAt:       sale.CreatedAt,
				Total:           sale.Total,
				ProductID:       line.ProductID,
				ProductName:     s.products[line.ProductID].Name,
				Quantity:        line.Quantity,
				UnitPriceAtSale: line.UnitPriceAtSale,
			})
		}
	}
	return rows
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" || !user.Role.Valid() {
		return store.ErrInvalidArgument
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicateKey
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
