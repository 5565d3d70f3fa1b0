package fraud

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the Store contract the engine relies on. newStore
// must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("resolve is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		in := input("s-t1", "u1", 5, t0, "NYC")

		_, created, err := store.ResolveTransaction(ctx, in.transaction())
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := store.ResolveTransaction(ctx, in.transaction())
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, again.Amount.Equal(in.Amount))
		assert.True(t, again.Timestamp.Equal(t0))
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := newStore(t).GetTransaction(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("flag dedup and mark", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		in := input("s-t2", "u1", 10500, t0, "NYC")
		tx, _, err := store.ResolveTransaction(ctx, in.transaction())
		require.NoError(t, err)

		flag, created, err := store.RecordFlag(ctx, tx, LabelHighAmount)
		require.NoError(t, err)
		require.True(t, created)
		assert.Equal(t, "s-t2", flag.TransactionID)
		assert.True(t, flag.Amount.Equal(in.Amount))

		_, created, err = store.RecordFlag(ctx, tx, LabelHighAmount)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := store.GetTransaction(ctx, "s-t2")
		require.NoError(t, err)
		assert.True(t, got.IsFlagged)
		require.NotNil(t, got.FraudType)
		assert.Equal(t, LabelHighAmount, *got.FraudType)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{TotalFlagged: 1, HighAmount: 1}, *stats)
	})

	t.Run("range queries", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			in := input(fmt.Sprintf("s-r%d", i), "u7", 1, t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("L%d", i))
			_, _, err := store.ResolveTransaction(ctx, in.transaction())
			require.NoError(t, err)
		}

		got, err := store.ListUserTransactions(ctx, "u7", t0.Add(time.Minute), t0.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Len(t, got, 2)

		latest, err := store.LatestTimestamp(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(t0.Add(3*time.Minute)))

		since, err := store.ListTransactionsSince(ctx, t0.Add(2*time.Minute))
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "s-r2", since[0].TransactionID)
	})

	t.Run("engine scenarios", func(t *testing.T) {
		store := newStore(t)
		engine := NewEngine(store)
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			_, err := engine.Process(ctx, input(fmt.Sprintf("s-f%d", i), "u1", 100, t0.Add(time.Duration(i)*5*time.Second), "NYC"))
			require.NoError(t, err)
		}
		_, err := engine.Process(ctx, input("s-a1", "u2", 10500, t0, "NYC"))
		require.NoError(t, err)
		_, err = engine.Process(ctx, input("s-l1", "u3", 1, t0, "NYC"))
		require.NoError(t, err)
		_, err = engine.Process(ctx, input("s-l2", "u3", 1, t0.Add(90*time.Second), "LA"))
		require.NoError(t, err)
		_, err = engine.Process(ctx, input("s-l3", "u3", 1, t0.Add(100*time.Second), "LA"))
		require.NoError(t, err)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{TotalFlagged: 3, HighFrequency: 1, HighAmount: 1, RapidLocation: 1}, *stats)

		flags, err := store.ListFlagged(ctx, "", 0)
		require.NoError(t, err)
		require.Len(t, flags, 3)
		for i := 1; i < len(flags); i++ {
			assert.False(t, flags[i].Timestamp.After(flags[i-1].Timestamp))
		}
	})
}

func TestMemoryStore_Suite(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}
