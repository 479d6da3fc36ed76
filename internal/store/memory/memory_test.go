package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"posledger/internal/store"
	"posledger/internal/store/storetest"
)

func TestRepositoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Repository {
		return New()
	})
}

func TestNewSeededHasCatalogAndUsers(t *testing.T) {
	s := NewSeeded()

	require.NoError(t, s.Atomic(context.Background(), func(tx store.Tx) error {
		p, err := tx.FindByBarcode(context.Background(), "A1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.ID)
		assert.Equal(t, 10, p.OnHand)
		return nil
	}))

	users, err := s.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "admin", users[0].Username)
	assert.Equal(t, "seller", users[1].Username)
}

func TestAtomicRollsBackOnPanic(t *testing.T) {
	s := NewSeeded()

	func() {
		defer func() {
			assert.NotNil(t, recover())
		}()
		_ = s.Atomic(context.Background(), func(tx store.Tx) error {
			if _, err := tx.AdjustStock(context.Background(), 1, -5); err != nil {
				return err
			}
			panic("mid-unit crash")
		})
	}()

	require.NoError(t, s.Atomic(context.Background(), func(tx store.Tx) error {
		p, err := tx.GetProduct(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 10, p.OnHand)
		return nil
	}))
}

func TestAtomicHonoursCancelledContext(t *testing.T) {
	s := NewSeeded()
	ctx, cancel := context.WithCancel(context.Background())

	err := s.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.AdjustStock(ctx, 1, -5); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, s.Atomic(context.Background(), func(tx store.Tx) error {
		p, err := tx.GetProduct(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, 10, p.OnHand)
		return nil
	}))
}

func TestUnitUnusableAfterCommit(t *testing.T) {
	s := NewSeeded()
	var leaked store.Tx
	require.NoError(t, s.Atomic(context.Background(), func(tx store.Tx) error {
		leaked = tx
		return nil
	}))

	_, err := leaked.AdjustStock(context.Background(), 1, -1)
	assert.ErrorIs(t, err, store.ErrStorageFailure)
}
