package fraud

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ResolveTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	in := input("t1", "u1", 5, t0, "NYC")

	tx, created, err := store.ResolveTransaction(ctx, in.transaction())
	require.NoError(t, err)
	assert.True(t, created)

	// A second insert with different data returns the original.
	other := input("t1", "u1", 999, t0.Add(time.Hour), "LA")
	again, created, err := store.ResolveTransaction(ctx, other.transaction())
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, again.Amount.Equal(tx.Amount))
	assert.Equal(t, "NYC", again.Location)
}

func TestMemoryStore_GetTransactionNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetTransaction(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	in := input("t1", "u1", 5, t0, "NYC")
	tx, _, _ := store.ResolveTransaction(ctx, in.transaction())

	tx.Location = "mutated"
	got, err := store.GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "NYC", got.Location)
}

func TestMemoryStore_RecordFlagDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	in := input("t1", "u1", 5, t0, "NYC")
	tx, _, _ := store.ResolveTransaction(ctx, in.transaction())

	flag, created, err := store.RecordFlag(ctx, tx, LabelHighAmount)
	require.NoError(t, err)
	require.True(t, created)
	assert.Regexp(t, `^flg_[0-9a-f]{24}$`, flag.ID)

	_, created, err = store.RecordFlag(ctx, tx, LabelHighAmount)
	require.NoError(t, err)
	assert.False(t, created)

	_, created, err = store.RecordFlag(ctx, tx, LabelRapidLocation)
	require.NoError(t, err)
	assert.True(t, created)

	got, _ := store.GetTransaction(ctx, "t1")
	assert.True(t, got.IsFlagged)
	assert.Equal(t, LabelRapidLocation, *got.FraudType)
}

func TestMemoryStore_RecordFlagConcurrentDedup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	in := input("t1", "u1", 5, t0, "NYC")
	tx, _, _ := store.ResolveTransaction(ctx, in.transaction())

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := store.RecordFlag(ctx, tx, LabelHighFrequency)
			if err == nil && created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, createdCount)
}

func TestMemoryStore_RecordFlagUnknownTransaction(t *testing.T) {
	store := NewMemoryStore()
	_, _, err := store.RecordFlag(context.Background(), &Transaction{TransactionID: "ghost"}, LabelHighAmount)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestMemoryStore_ListFlagged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		in := input(fmt.Sprintf("t%d", i), user, 1, t0.Add(time.Duration(i)*time.Minute), "NYC")
		tx, _, _ := store.ResolveTransaction(ctx, in.transaction())
		_, _, err := store.RecordFlag(ctx, tx, LabelHighAmount)
		require.NoError(t, err)
	}

	all, err := store.ListFlagged(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.After(all[i-1].Timestamp), "not sorted newest first")
	}

	limited, err := store.ListFlagged(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "t4", limited[0].TransactionID)

	u2, err := store.ListFlagged(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Len(t, u2, 2)
}

func TestMemoryStore_ListUserTransactionsRangeInclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i, offset := range []time.Duration{0, time.Minute, 2 * time.Minute, 3 * time.Minute} {
		in := input(fmt.Sprintf("t%d", i), "u1", 1, t0.Add(offset), "NYC")
		_, _, _ = store.ResolveTransaction(ctx, in.transaction())
	}

	got, err := store.ListUserTransactions(ctx, "u1", t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStore_ListTransactionsSinceAndLatest(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	latest, err := store.LatestTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	for i, offset := range []time.Duration{3 * time.Minute, 0, time.Minute} {
		in := input(fmt.Sprintf("t%d", i), "u1", 1, t0.Add(offset), "NYC")
		_, _, _ = store.ResolveTransaction(ctx, in.transaction())
	}

	latest, err = store.LatestTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Equal(t0.Add(3*time.Minute)))

	since, err := store.ListTransactionsSince(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "t2", since[0].TransactionID)
	assert.Equal(t, "t0", since[1].TransactionID)
}

func TestStats_CountBySubstring(t *testing.T) {
	var s Stats
	s.Count(LabelHighFrequency)
	s.Count(LabelHighAmount)
	s.Count(LabelRapidLocation)
	s.Count("High amount (custom threshold)")
	s.Count("something else")

	assert.Equal(t, Stats{TotalFlagged: 5, HighFrequency: 1, HighAmount: 2, RapidLocation: 1}, s)
}
