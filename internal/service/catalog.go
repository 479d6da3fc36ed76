package service

import (
	"context"
	"fmt"
	"strings"

	"posledger/internal/access"
	"posledger/internal/domain"
	"posledger/internal/store"
)

func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, in domain.ProductInput) (domain.Product, error) {
	if err := access.Check(actor, access.OpCreateProduct); err != nil {
		return domain.Product{}, err
	}
	in = normalizeInput(in)

	var created *domain.Product
	err := s.atomic(ctx, "product.create", func(tx store.Tx) error {
		var err error
		created, err = tx.CreateProduct(ctx, domain.Product{
			Barcode:   in.Barcode,
			Name:      in.Name,
			UnitPrice: in.UnitPrice,
			OnHand:    in.OnHand,
		})
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, actor, "product.create", "product", created.ID,
		"barcode", created.Barcode,
		"price", created.UnitPrice.StringFixed(2),
		"on_hand", created.OnHand,
	)
	return *created, nil
}

// UpdateProduct replaces every field of product id.
func (s *Service) UpdateProduct(ctx context.Context, actor domain.Actor, id int64, in domain.ProductInput) (domain.Product, error) {
	if err := access.Check(actor, access.OpUpdateProduct); err != nil {
		return domain.Product{}, err
	}
	in = normalizeInput(in)

	var previous, updated *domain.Product
	err := s.atomic(ctx, "product.update", func(tx store.Tx) error {
		var err error
		if previous, err = tx.GetProduct(ctx, id); err != nil {
			return err
		}
		updated, err = tx.UpdateProduct(ctx, domain.Product{
			ID:        id,
			Barcode:   in.Barcode,
			Name:      in.Name,
			UnitPrice: in.UnitPrice,
			OnHand:    in.OnHand,
		})
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidate(ctx, previous.Barcode, updated.Barcode)
	s.logAudit(ctx, actor, "product.update", "product", id,
		"barcode", updated.Barcode,
		"old_price", previous.UnitPrice.StringFixed(2),
		"new_price", updated.UnitPrice.StringFixed(2),
		"old_on_hand", previous.OnHand,
		"new_on_hand", updated.OnHand,
	)
	return *updated, nil
}

// DeleteProduct fails with store.ErrReferentialConflict while any sale line
// still references the product.
func (s *Service) DeleteProduct(ctx context.Context, actor domain.Actor, id int64) error {
	if err := access.Check(actor, access.OpDeleteProduct); err != nil {
		return err
	}

	var removed *domain.Product
	err := s.atomic(ctx, "product.delete", func(tx store.Tx) error {
		var err error
		if removed, err = tx.GetProduct(ctx, id); err != nil {
			return err
		}
		return tx.DeleteProduct(ctx, id)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, removed.Barcode)
	s.logAudit(ctx, actor, "product.delete", "product", id, "barcode", removed.Barcode)
	return nil
}

func (s *Service) GetProduct(ctx context.Context, actor domain.Actor, id int64) (domain.Product, error) {
	if err := access.Check(actor, access.OpViewCatalog); err != nil {
		return domain.Product{}, err
	}

	var product *domain.Product
	err := s.atomic(ctx, "product.get", func(tx store.Tx) error {
		var err error
		product, err = tx.GetProduct(ctx, id)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context, actor domain.Actor) ([]domain.Product, error) {
	if err := access.Check(actor, access.OpViewCatalog); err != nil {
		return nil, err
	}

	var products []domain.Product
	err := s.atomic(ctx, "product.list", func(tx store.Tx) error {
		var err error
		products, err = tx.ListProducts(ctx)
		return err
	})
	return products, err
}

// FindByBarcode serves scanner lookups, reading through the product cache.
func (s *Service) FindByBarcode(ctx context.Context, actor domain.Actor, barcode string) (domain.Product, error) {
	if err := access.Check(actor, access.OpViewCatalog); err != nil {
		return domain.Product{}, err
	}
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, fmt.Errorf("%w: barcode is required", store.ErrInvalidArgument)
	}

	cached, ok, err := s.cache.Get(ctx, barcode)
	if err != nil {
		s.logger.WarnContext(ctx, "cache read failed", "barcode", barcode, "error", err)
	} else if ok {
		return *cached, nil
	}

	var product *domain.Product
	err = s.atomic(ctx, "product.find", func(tx store.Tx) error {
		var err error
		product, err = tx.FindByBarcode(ctx, barcode)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}

	if err := s.cache.Set(ctx, barcode, product, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "cache write failed", "barcode", barcode, "error", err)
	}
	return *product, nil
}
