package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"posledger/internal/cache"
	"posledger/internal/domain"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	"posledger/internal/store/sqlite"
)

func stockLevels(t *testing.T, svc *Service) map[int64]int {
	t.Helper()
	products, err := svc.ListProducts(context.Background(), admin)
	require.NoError(t, err)
	levels := make(map[int64]int, len(products))
	for _, p := range products {
		levels[p.ID] = p.OnHand
	}
	return levels
}

func TestVoidRestoresEveryTouchedProduct(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	before := stockLevels(t, svc)

	receipt, err := svc.RegisterSale(ctx, seller, domain.SaleRequest{Cart: []domain.CartLine{
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 5},
		{ProductID: 1, Quantity: 1},
		{ProductID: 4, Quantity: 30},
	}})
	require.NoError(t, err)
	assert.NotEqual(t, before, stockLevels(t, svc))

	_, err = svc.VoidSale(ctx, admin, receipt.SaleID)
	require.NoError(t, err)
	assert.Equal(t, before, stockLevels(t, svc))
}

// Random register/void sequences must keep on hand equal to the initial stock
// minus the quantities of the sales still on the ledger.
func TestRandomSequencesKeepStockConsistent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	initial := stockLevels(t, svc)
	rng := rand.New(rand.NewPCG(7, 11))

	active := map[int64][]domain.CartLine{}
	var activeIDs []int64

	for step := 0; step < 300; step++ {
		if len(activeIDs) == 0 || rng.IntN(10) < 6 {
			cart := make([]domain.CartLine, 1+rng.IntN(3))
			for i := range cart {
				cart[i] = domain.CartLine{ProductID: int64(1 + rng.IntN(4)), Quantity: 1 + rng.IntN(6)}
			}
			receipt, err := svc.RegisterSale(ctx, seller, domain.SaleRequest{Cart: cart})
			if errors.Is(err, store.ErrInsufficientStock) {
				continue
			}
			require.NoError(t, err, "step %d", step)
			active[receipt.SaleID] = cart
			activeIDs = append(activeIDs, receipt.SaleID)
		} else {
			i := rng.IntN(len(activeIDs))
			saleID := activeIDs[i]
			_, err := svc.VoidSale(ctx, admin, saleID)
			require.NoError(t, err, "step %d", step)
			delete(active, saleID)
			activeIDs = append(activeIDs[:i], activeIDs[i+1:]...)
		}

		want := make(map[int64]int, len(initial))
		for id, qty := range initial {
			want[id] = qty
		}
		for _, cart := range active {
			for _, line := range cart {
				want[line.ProductID] -= line.Quantity
			}
		}
		levels := stockLevels(t, svc)
		require.Equal(t, want, levels, "step %d", step)
		for id, qty := range levels {
			require.GreaterOrEqual(t, qty, 0, "product %d went negative at step %d", id, step)
		}
	}

	assert.Equal(t, len(active), countSales(t, svc))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Repository{
		"memory": func(t *testing.T) store.Repository { return memory.NewSeeded() },
		"sqlite": func(t *testing.T) store.Repository {
			repo, err := sqlite.New(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = repo.Close() })
			_, err = New(repo, nil, nil, Options{}).CreateProduct(context.Background(), admin, domain.ProductInput{
				Barcode: "A1", Name: "Agua Mineral 600ml", UnitPrice: dec("5.00"), OnHand: 10,
			})
			require.NoError(t, err)
			return repo
		},
	}

	for name, newRepo := range backends {
		t.Run(name, func(t *testing.T) {
			svc := New(newRepo(t), cache.NoopProductCache{}, nil, Options{MaxAttempts: 5})
			var sold, refused atomic.Int32

			var g errgroup.Group
			for i := 0; i < 25; i++ {
				g.Go(func() error {
					_, err := svc.RegisterSale(context.Background(), seller, domain.SaleRequest{
						Cart: []domain.CartLine{{ProductID: 1, Quantity: 1}},
					})
					switch {
					case err == nil:
						sold.Add(1)
					case errors.Is(err, store.ErrInsufficientStock):
						refused.Add(1)
					default:
						return err
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			assert.EqualValues(t, 10, sold.Load())
			assert.EqualValues(t, 15, refused.Load())
			assert.Equal(t, 0, onHand(t, svc, 1))
			assert.Equal(t, 10, countSales(t, svc))
		})
	}
}

// faultyRepo injects failures into units of the wrapped repository.
type faultyRepo struct {
	store.Repository
	failCommits  int
	failAdjustOn int64
	calls        int
}

func (r *faultyRepo) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	r.calls++
	call := r.calls
	return r.Repository.Atomic(ctx, func(tx store.Tx) error {
		if err := fn(faultyTx{Tx: tx, failAdjustOn: r.failAdjustOn}); err != nil {
			return err
		}
		if call <= r.failCommits {
			return fmt.Errorf("%w: injected serialization failure", store.ErrStorageFailure)
		}
		return nil
	})
}

type faultyTx struct {
	store.Tx
	failAdjustOn int64
}

func (tx faultyTx) AdjustStock(ctx context.Context, id int64, delta int) (*domain.Product, error) {
	if id == tx.failAdjustOn {
		return nil, errors.New("injected write failure")
	}
	return tx.Tx.AdjustStock(ctx, id, delta)
}

func TestInjectedFailureRollsBackWholeUnit(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewSeeded(), failAdjustOn: 3}
	svc := New(repo, nil, nil, Options{MaxAttempts: 3})
	before := stockLevels(t, svc)

	_, err := svc.RegisterSale(context.Background(), seller, domain.SaleRequest{Cart: []domain.CartLine{
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 1},
	}})
	require.Error(t, err)
	assert.Equal(t, "internal", ErrorCode(err))

	assert.Equal(t, before, stockLevels(t, svc))
	assert.Equal(t, 0, countSales(t, svc))
}

func TestVoidRollsBackOnInjectedFailure(t *testing.T) {
	base := memory.NewSeeded()
	svc := New(base, nil, nil, Options{})
	receipt, err := svc.RegisterSale(context.Background(), seller, domain.SaleRequest{Cart: []domain.CartLine{
		{ProductID: 1, Quantity: 2},
		{ProductID: 3, Quantity: 1},
	}})
	require.NoError(t, err)
	before := stockLevels(t, svc)

	faulty := New(&faultyRepo{Repository: base, failAdjustOn: 3}, nil, nil, Options{})
	_, err = faulty.VoidSale(context.Background(), admin, receipt.SaleID)
	require.Error(t, err)

	assert.Equal(t, before, stockLevels(t, svc))
	_, err = svc.GetSale(context.Background(), admin, receipt.SaleID)
	assert.NoError(t, err)
}

func TestRetriesTransientStorageFailure(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewSeeded(), failCommits: 2}
	svc := New(repo, nil, nil, Options{MaxAttempts: 3})

	receipt, err := svc.RegisterSale(context.Background(), seller, domain.SaleRequest{
		Cart: []domain.CartLine{{ProductID: 1, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)
	assert.True(t, receipt.ComputedTotal.Equal(dec("15")))
	assert.Equal(t, 7, onHand(t, svc, 1))
	assert.Equal(t, 1, countSales(t, svc))
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	repo := &faultyRepo{Repository: memory.NewSeeded(), failCommits: 10}
	svc := New(repo, nil, nil, Options{MaxAttempts: 2})

	_, err := svc.RegisterSale(context.Background(), seller, domain.SaleRequest{
		Cart: []domain.CartLine{{ProductID: 1, Quantity: 3}},
	})
	require.ErrorIs(t, err, store.ErrStorageFailure)
	assert.Equal(t, 2, repo.calls)

	repo.failCommits = 0
	assert.Equal(t, 10, onHand(t, svc, 1))
	assert.Equal(t, 0, countSales(t, svc))
}

func TestCancelledContextLeavesNoTrace(t *testing.T) {
	svc := newTestService()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.RegisterSale(ctx, seller, domain.SaleRequest{Cart: []domain.CartLine{{ProductID: 1, Quantity: 1}}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, onHand(t, svc, 1))
}
