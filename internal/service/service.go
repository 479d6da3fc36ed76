package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"posledger/internal/access"
	"posledger/internal/cache"
	"posledger/internal/domain"
	"posledger/internal/logging"
	"posledger/internal/store"
)

type Options struct {
	// CacheTTL bounds how long a barcode lookup may be served from cache.
	CacheTTL time.Duration
	// MaxAttempts is how many times a unit is tried when it fails with
	// store.ErrStorageFailure. Values below 1 mean 1.
	MaxAttempts int
	// RetryBackoff is the base pause between attempts; attempt n waits n times
	// this long.
	RetryBackoff time.Duration
	Now          func() time.Time
}

type Service struct {
	repo         store.Repository
	cache        cache.ProductCache
	logger       *slog.Logger
	cacheTTL     time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	now          func() time.Time
}

func New(repo store.Repository, productCache cache.ProductCache, logger *slog.Logger, opts Options) *Service {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:         repo,
		cache:        productCache,
		logger:       logger,
		cacheTTL:     opts.CacheTTL,
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
		now:          opts.Now,
	}
}

// RegisterSale prices the cart from the catalog, checks stock for every
// product, appends the sale and decrements stock in one unit. The declared
// total is never persisted.
func (s *Service) RegisterSale(ctx context.Context, actor domain.Actor, req domain.SaleRequest) (domain.SaleReceipt, error) {
	if err := access.Check(actor, access.OpRegisterSale); err != nil {
		return domain.SaleReceipt{}, err
	}
	need, err := quantitiesByProduct(req.Cart)
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	ids := sortedKeys(need)

	var sale *domain.Sale
	var touched []string
	err = s.atomic(ctx, "sale.register", func(tx store.Tx) error {
		touched = touched[:0]
		products := make(map[int64]*domain.Product, len(ids))
		// Ascending id order keeps row locks consistent across concurrent units.
		for _, id := range ids {
			p, err := tx.GetProduct(ctx, id)
			if err != nil {
				return err
			}
			if need[id] > p.OnHand {
				return &store.StockError{ProductID: id, Requested: need[id], OnHand: p.OnHand}
			}
			products[id] = p
		}

		lines := make([]domain.SaleLine, 0, len(req.Cart))
		total := decimal.Zero
		for _, item := range req.Cart {
			line := domain.SaleLine{
				ProductID:       item.ProductID,
				Quantity:        item.Quantity,
				UnitPriceAtSale: products[item.ProductID].UnitPrice,
			}
			total = total.Add(line.Subtotal())
			lines = append(lines, line)
		}

		var err error
		sale, err = tx.AppendSale(ctx, domain.Sale{
			CreatedAt: s.now().UTC(),
			Total:     total,
			Lines:     lines,
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.AdjustStock(ctx, id, -need[id]); err != nil {
				return err
			}
			touched = append(touched, products[id].Barcode)
		}
		return nil
	})
	if err != nil {
		return domain.SaleReceipt{}, err
	}

	s.invalidate(ctx, touched...)
	if !req.DeclaredTotal.IsZero() && !req.DeclaredTotal.Equal(sale.Total) {
		s.logger.WarnContext(ctx, "declared total ignored",
			"sale_id", sale.ID,
			"declared_total", req.DeclaredTotal.String(),
			"computed_total", sale.Total.StringFixed(2),
			"actor", actor.Username,
		)
	}
	s.logAudit(ctx, actor, "sale.register", "sale", sale.ID,
		"total", sale.Total.StringFixed(2),
		"lines", len(sale.Lines),
	)

	return domain.SaleReceipt{
		SaleID:        sale.ID,
		ComputedTotal: sale.Total,
		CreatedAt:     sale.CreatedAt,
	}, nil
}

// VoidSale restocks every line of the sale and removes the sale with its
// lines in one unit.
func (s *Service) VoidSale(ctx context.Context, actor domain.Actor, saleID int64) (domain.VoidReceipt, error) {
	if err := access.Check(actor, access.OpVoidSale); err != nil {
		return domain.VoidReceipt{}, err
	}
	if saleID < 1 {
		return domain.VoidReceipt{}, fmt.Errorf("%w: sale id must be positive", store.ErrInvalidArgument)
	}

	var restocked map[int64]int
	var touched []string
	err := s.atomic(ctx, "sale.void", func(tx store.Tx) error {
		touched = touched[:0]
		if _, err := tx.GetSale(ctx, saleID); err != nil {
			return err
		}
		lines, err := tx.GetSaleLines(ctx, saleID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return fmt.Errorf("%w: sale %d has no lines", store.ErrNotFound, saleID)
		}

		restocked = make(map[int64]int, len(lines))
		for _, line := range lines {
			restocked[line.ProductID] += line.Quantity
		}
		for _, id := range sortedKeys(restocked) {
			p, err := tx.AdjustStock(ctx, id, restocked[id])
			if err != nil {
				return err
			}
			touched = append(touched, p.Barcode)
		}
		return tx.DeleteSale(ctx, saleID)
	})
	if err != nil {
		return domain.VoidReceipt{}, err
	}

	s.invalidate(ctx, touched...)
	s.logAudit(ctx, actor, "sale.void", "sale", saleID, "products", len(restocked))

	return domain.VoidReceipt{
		SaleID:    saleID,
		Restocked: restocked,
		VoidedAt:  s.now().UTC(),
	}, nil
}

func (s *Service) GetSale(ctx context.Context, actor domain.Actor, saleID int64) (domain.Sale, error) {
	if err := access.Check(actor, access.OpViewSales); err != nil {
		return domain.Sale{}, err
	}

	var sale *domain.Sale
	err := s.atomic(ctx, "sale.get", func(tx store.Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, saleID)
		return err
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListSales returns the sale history, most recent first. Every range over the
// result reads the ledger again.
func (s *Service) ListSales(ctx context.Context, actor domain.Actor) (iter.Seq2[domain.SaleHistoryRow, error], error) {
	if err := access.Check(actor, access.OpViewSales); err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx), nil
}

// atomic runs fn as one unit, retrying the whole unit while it fails with
// store.ErrStorageFailure. fn must reset any state it captures.
func (s *Service) atomic(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.repo.Atomic(ctx, fn)
		if !errors.Is(err, store.ErrStorageFailure) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}
		s.logger.WarnContext(ctx, "unit failed, retrying", "op", op, "attempt", attempt, "error", err)
		if s.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(time.Duration(attempt) * s.retryBackoff):
			}
		}
	}
	s.logger.ErrorContext(ctx, "unit failed", "op", op, "attempts", s.maxAttempts, "error", err)
	return err
}

func (s *Service) invalidate(ctx context.Context, barcodes ...string) {
	if len(barcodes) == 0 {
		return
	}
	if err := s.cache.Delete(ctx, barcodes...); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed", "barcodes", barcodes, "error", err)
	}
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, action string, entityType string, entityID int64, attrs ...any) {
	args := append([]any{
		"audit.action", action,
		"actor", actor.Username,
		"role", string(actor.Role),
		"entity_type", entityType,
		"entity_id", strconv.FormatInt(entityID, 10),
	}, attrs...)
	s.logger.InfoContext(ctx, "audit", args...)
}

// ErrorCode maps err to the stable code used in API payloads.
func ErrorCode(err error) string {
	if errors.Is(err, access.ErrForbidden) {
		return "forbidden"
	}
	return store.Kind(err)
}

// SaleResultFor shapes a RegisterSale outcome for the sale terminal.
func SaleResultFor(receipt domain.SaleReceipt, err error) domain.SaleResult {
	if err != nil {
		return domain.SaleResult{Success: false, Error: err.Error(), ErrorCode: ErrorCode(err)}
	}
	saleID := receipt.SaleID
	total := receipt.ComputedTotal
	return domain.SaleResult{Success: true, SaleID: &saleID, ComputedTotal: &total}
}

func quantitiesByProduct(cart []domain.CartLine) (map[int64]int, error) {
	if len(cart) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", store.ErrInvalidArgument)
	}
	need := make(map[int64]int, len(cart))
	for i, item := range cart {
		if item.ProductID < 1 {
			return nil, fmt.Errorf("%w: cart line %d has no product", store.ErrInvalidArgument, i+1)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: cart line %d quantity must be positive", store.ErrInvalidArgument, i+1)
		}
		if item.Quantity > math.MaxInt-need[item.ProductID] {
			return nil, fmt.Errorf("%w: cart quantity for product %d is too large", store.ErrInvalidArgument, item.ProductID)
		}
		need[item.ProductID] += item.Quantity
	}
	return need, nil
}

func sortedKeys(m map[int64]int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func normalizeInput(in domain.ProductInput) domain.ProductInput {
	in.Barcode = strings.TrimSpace(in.Barcode)
	in.Name = strings.TrimSpace(in.Name)
	return in
}
