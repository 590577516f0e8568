package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Ledger contract against any Store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	seed := func(t *testing.T, s Store, tenantID string, inLimit, outLimit int64) {
		t.Helper()
		ctx := context.Background()
		require.NoError(t, s.UpsertPlan(ctx, Plan{ID: "plan-" + tenantID, Name: "test", InputTokenLimit: inLimit, OutputTokenLimit: outLimit}))
		require.NoError(t, s.CreateTenant(ctx, tenantID, "plan-"+tenantID))
	}

	t.Run("get returns counters and limits", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, "t1", 100, 200)

		snap, err := s.Get(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.InputUsed)
		assert.Equal(t, int64(0), snap.OutputUsed)
		assert.Equal(t, int64(100), snap.InputLimit)
		assert.Equal(t, int64(200), snap.OutputLimit)
		assert.Equal(t, "plan-t1", snap.PlanID)
		assert.Nil(t, snap.LastResetAt)
	})

	t.Run("unknown tenant is not found", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.TryReserveAndCommit(ctx, "missing", "r1", Usage{Input: 1})
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, s.Reset(ctx, "missing"), ErrNotFound)
	})

	t.Run("create tenant requires plan", func(t *testing.T) {
		s := newStore(t)
		err := s.CreateTenant(context.Background(), "t1", "no-such-plan")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create tenant twice keeps usage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 100)
		_, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 7, Output: 3})
		require.NoError(t, err)

		require.NoError(t, s.CreateTenant(ctx, "t1", "plan-t1"))

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), snap.InputUsed)
	})

	t.Run("commit adds delta", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 1000)

		_, err := s.TryReserveAndCommit(ctx, "t1", "warmup", Usage{Input: 90, Output: 10})
		require.NoError(t, err)

		res, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 5, Output: 50})
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, int64(95), res.InputUsed)
		assert.Equal(t, int64(60), res.OutputUsed)
		assert.Equal(t, int64(100), res.InputLimit)
		assert.Equal(t, Usage{Input: 5, Output: 50}, res.Delta)
		assert.False(t, res.CommittedAt.IsZero())
	})

	t.Run("commit is idempotent per request id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 100)

		first, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 5, Output: 8})
		require.NoError(t, err)
		second, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 5, Output: 8})
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.InputUsed, second.InputUsed)
		assert.Equal(t, first.OutputUsed, second.OutputUsed)

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(5), snap.InputUsed)
		assert.Equal(t, int64(8), snap.OutputUsed)
	})

	t.Run("replay with a different delta returns the stored result", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 100)

		_, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 5, Output: 8})
		require.NoError(t, err)
		res, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 50, Output: 80})
		require.NoError(t, err)

		assert.True(t, res.Replayed)
		assert.Equal(t, Usage{Input: 5, Output: 8}, res.Delta)
	})

	t.Run("commit may exceed limits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 10, 10)

		res, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 12, Output: 30})
		require.NoError(t, err)
		assert.True(t, res.InputOverLimit())
		assert.True(t, res.OutputOverLimit())
	})

	t.Run("negative delta is rejected", func(t *testing.T) {
		s := newStore(t)
		seed(t, s, "t1", 10, 10)

		_, err := s.TryReserveAndCommit(context.Background(), "t1", "r1", Usage{Input: -1})
		assert.ErrorIs(t, err, ErrInvalidDelta)
	})

	t.Run("concurrent commits never lose an update", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 1_000_000, 1_000_000)

		const n = 50
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.TryReserveAndCommit(ctx, "t1", fmt.Sprintf("r-%d", i), Usage{Input: int64(i), Output: 2})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(n*(n-1)/2), snap.InputUsed)
		assert.Equal(t, int64(2*n), snap.OutputUsed)
	})

	t.Run("concurrent duplicates apply once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 1000, 1000)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = s.TryReserveAndCommit(ctx, "t1", "same", Usage{Input: 3, Output: 4})
			}()
		}
		wg.Wait()

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), snap.InputUsed)
		assert.Equal(t, int64(4), snap.OutputUsed)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "a", 100, 100)
		seed(t, s, "b", 100, 100)

		_, err := s.TryReserveAndCommit(ctx, "a", "r1", Usage{Input: 10, Output: 10})
		require.NoError(t, err)
		// Same request id under another tenant is a separate commit.
		_, err = s.TryReserveAndCommit(ctx, "b", "r1", Usage{Input: 1, Output: 1})
		require.NoError(t, err)

		a, err := s.Get(ctx, "a")
		require.NoError(t, err)
		b, err := s.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(10), a.InputUsed)
		assert.Equal(t, int64(1), b.InputUsed)
	})

	t.Run("reset zeroes counters and keeps commit records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 100)

		_, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 40, Output: 20})
		require.NoError(t, err)
		require.NoError(t, s.Reset(ctx, "t1"))

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.InputUsed)
		assert.Equal(t, int64(0), snap.OutputUsed)
		require.NotNil(t, snap.LastResetAt)

		res, err := s.TryReserveAndCommit(ctx, "t1", "r1", Usage{Input: 40, Output: 20})
		require.NoError(t, err)
		assert.True(t, res.Replayed)

		snap, err = s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.InputUsed)
	})

	t.Run("upsert plan changes effective limits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seed(t, s, "t1", 100, 100)

		require.NoError(t, s.UpsertPlan(ctx, Plan{ID: "plan-t1", Name: "bigger", InputTokenLimit: 500, OutputTokenLimit: 600}))

		snap, err := s.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), snap.InputLimit)
		assert.Equal(t, int64(600), snap.OutputLimit)
	})
}
