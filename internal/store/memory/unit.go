package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"posledger/internal/domain"
	"posledger/internal/store"
)

// unit is one atomic unit over Store. Every mutation pushes its inverse onto
// the journal; rollback replays the journal newest first. The caller holds
// Store.mu for the unit's lifetime.
type unit struct {
	s       *Store
	journal []func()
	closed  bool
}

var errUnitClosed = fmt.Errorf("%w: unit already finished", store.ErrStorageFailure)

func (u *unit) rollback() {
	for i := len(u.journal) - 1; i >= 0; i-- {
		u.journal[i]()
	}
	u.journal = nil
	u.closed = true
}

func (u *unit) record(undo func()) {
	u.journal = append(u.journal, undo)
}

func (u *unit) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	product.Barcode = strings.TrimSpace(product.Barcode)
	product.Name = strings.TrimSpace(product.Name)
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	if _, taken := u.s.barcodes[product.Barcode]; taken {
		return nil, fmt.Errorf("%w: barcode %q already exists", store.ErrDuplicateKey, product.Barcode)
	}

	u.s.nextProduct++
	product.ID = u.s.nextProduct
	u.s.products[product.ID] = product
	u.s.barcodes[product.Barcode] = product.ID
	u.record(func() {
		delete(u.s.products, product.ID)
		delete(u.s.barcodes, product.Barcode)
	})

	created := product
	return &created, nil
}

func (u *unit) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	product.Barcode = strings.TrimSpace(product.Barcode)
	product.Name = strings.TrimSpace(product.Name)
	if err := store.ValidateProduct(product); err != nil {
		return nil, err
	}
	previous, ok := u.s.products[product.ID]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, product.ID)
	}
	if owner, taken := u.s.barcodes[product.Barcode]; taken && owner != product.ID {
		return nil, fmt.Errorf("%w: barcode %q belongs to product %d", store.ErrDuplicateKey, product.Barcode, owner)
	}

	delete(u.s.barcodes, previous.Barcode)
	u.s.barcodes[product.Barcode] = product.ID
	u.s.products[product.ID] = product
	u.record(func() {
		delete(u.s.barcodes, product.Barcode)
		u.s.barcodes[previous.Barcode] = previous.ID
		u.s.products[previous.ID] = previous
	})

	updated := product
	return &updated, nil
}

func (u *unit) DeleteProduct(_ context.Context, id int64) error {
	if u.closed {
		return errUnitClosed
	}
	previous, ok := u.s.products[id]
	if !ok {
		return fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	for saleID, lines := range u.s.lines {
		for _, line := range lines {
			if line.ProductID == id {
				return fmt.Errorf("%w: product %d is referenced by sale %d", store.ErrReferentialConflict, id, saleID)
			}
		}
	}

	delete(u.s.products, id)
	delete(u.s.barcodes, previous.Barcode)
	u.record(func() {
		u.s.products[id] = previous
		u.s.barcodes[previous.Barcode] = id
	})
	return nil
}

func (u *unit) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	product, ok := u.s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	return &product, nil
}

func (u *unit) FindByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	id, ok := u.s.barcodes[strings.TrimSpace(barcode)]
	if !ok {
		return nil, fmt.Errorf("%w: barcode %q", store.ErrNotFound, barcode)
	}
	product := u.s.products[id]
	return &product, nil
}

func (u *unit) ListProducts(_ context.Context) ([]domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	products := make([]domain.Product, 0, len(u.s.products))
	for _, p := range u.s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return products, nil
}

func (u *unit) AdjustStock(_ context.Context, id int64, delta int) (*domain.Product, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	product, ok := u.s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	if product.OnHand+delta < 0 {
		return nil, &store.StockError{ProductID: id, Requested: -delta, OnHand: product.OnHand}
	}
	if delta > store.MaxQuantity-product.OnHand {
		return nil, fmt.Errorf("%w: product %d stock would exceed %d", store.ErrInvalidArgument, id, store.MaxQuantity)
	}

	previousQty := product.OnHand
	product.OnHand += delta
	u.s.products[id] = product
	u.record(func() {
		p := u.s.products[id]
		p.OnHand = previousQty
		u.s.products[id] = p
	})

	updated := product
	return &updated, nil
}

func (u *unit) AppendSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	if err := store.ValidateSale(sale); err != nil {
		return nil, err
	}
	for _, line := range sale.Lines {
		if _, ok := u.s.products[line.ProductID]; !ok {
			return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, line.ProductID)
		}
	}

	u.s.nextSale++
	sale.ID = u.s.nextSale
	lines := make([]domain.SaleLine, len(sale.Lines))
	for i, line := range sale.Lines {
		u.s.nextLine++
		line.ID = u.s.nextLine
		line.SaleID = sale.ID
		lines[i] = line
	}

	header := sale
	header.Lines = nil
	u.s.sales[sale.ID] = header
	u.s.lines[sale.ID] = lines
	u.record(func() {
		delete(u.s.sales, sale.ID)
		delete(u.s.lines, sale.ID)
	})

	sale.Lines = slices.Clone(lines)
	return &sale, nil
}

func (u *unit) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	sale, ok := u.s.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %d", store.ErrNotFound, id)
	}
	sale.Lines = slices.Clone(u.s.lines[id])
	return &sale, nil
}

func (u *unit) GetSaleLines(_ context.Context, saleID int64) ([]domain.SaleLine, error) {
	if u.closed {
		return nil, errUnitClosed
	}
	lines := u.s.lines[saleID]
	if lines == nil {
		return []domain.SaleLine{}, nil
	}
	return slices.Clone(lines), nil
}

func (u *unit) DeleteSale(_ context.Context, saleID int64) error {
	if u.closed {
		return errUnitClosed
	}
	header, ok := u.s.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %d", store.ErrNotFound, saleID)
	}
	lines := u.s.lines[saleID]

	delete(u.s.lines, saleID)
	delete(u.s.sales, saleID)
	u.record(func() {
		u.s.sales[saleID] = header
		u.s.lines[saleID] = lines
	})
	return nil
}
