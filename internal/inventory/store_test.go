package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/keypool-system/internal/clock"
	"github.com/mmeshcher/keypool-system/internal/model"
)

var testNow = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func assignmentFixture(id, orderID, userID, key string) model.Assignment {
	return model.NewAssignment(id, orderID, userID, key, model.TierOneDay, "premium", testNow)
}

func newTestStore() *Store {
	var seq atomic.Int64
	return NewStore(
		WithClock(clock.NewFixed(testNow)),
		WithIDGenerator(func() string { return fmt.Sprintf("asg-%d", seq.Add(1)) }),
	)
}

func TestStore_AddKeysCountsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	added, dups, err := s.AddKeys(ctx, model.TierOneDay, []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, dups)

	added, dups, err = s.AddKeys(ctx, model.TierOneDay, []string{"A", "C", "C"})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, dups)

	keys, err := s.ListAvailable(ctx, model.TierOneDay)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, keys)
}

func TestStore_AddKeysSkipsEmptyLinesAndCrossTierDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierSevenDays, []string{"SHARED"})
	require.NoError(t, err)

	added, dups, err := s.AddKeys(ctx, model.TierOneDay, []string{"  ", "SHARED", " fresh ", ""})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, dups)

	keys, err := s.ListAvailable(ctx, model.TierOneDay)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, keys)
}

func TestStore_AddKeysUnknownTier(t *testing.T) {
	s := newTestStore()

	_, _, err := s.AddKeys(context.Background(), model.Tier("14 days"), []string{"A"})
	assert.True(t, errors.Is(err, model.ErrInvalidTier))
}

func TestStore_RemovedKeyCannotBeReAdded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierOneDay, []string{"A"})
	require.NoError(t, err)
	require.NoError(t, s.RemoveKey(ctx, model.TierOneDay, "A"))

	err = s.RemoveKey(ctx, model.TierOneDay, "A")
	assert.True(t, errors.Is(err, ErrNotFound))

	added, dups, err := s.AddKeys(ctx, model.TierThirtyDays, []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, dups)
}

func TestStore_RemoveErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierOneDay, []string{"B"})
	require.NoError(t, err)

	a, created, err := s.Assign(ctx, model.TierOneDay, "order-1", "user-1", "premium")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "B", a.Key)

	err = s.RemoveKey(ctx, model.TierOneDay, "B")
	assert.True(t, errors.Is(err, ErrAlreadyAssigned))

	err = s.RemoveKey(ctx, model.TierOneDay, "Z")
	assert.True(t, errors.Is(err, ErrNotFound))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Available[model.TierOneDay])
	assert.Equal(t, 1, stats.Assigned[model.TierOneDay])
}

func TestStore_AssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierThirtyDays, []string{"K1", "K2"})
	require.NoError(t, err)

	first, created, err := s.Assign(ctx, model.TierThirtyDays, "order-1", "user-1", "premium")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, testNow.Add(30*24*time.Hour), first.ExpiresAt)

	second, created, err := s.Assign(ctx, model.TierThirtyDays, "order-1", "user-1", "premium")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	n, err := s.AvailableCount(ctx, model.TierThirtyDays)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Lookup(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestStore_AssignOutOfStock(t *testing.T) {
	s := newTestStore()

	_, _, err := s.Assign(context.Background(), model.TierSevenDays, "order-1", "user-1", "premium")
	assert.True(t, errors.Is(err, ErrOutOfStock))

	_, err = s.Lookup(context.Background(), "order-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_ConcurrentAssignSingleKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierSevenDays, []string{"X"})
	require.NoError(t, err)

	var (
		wg         sync.WaitGroup
		successes  atomic.Int32
		outOfStock atomic.Int32
	)
	for i, order := range []string{"order-1", "order-2"} {
		wg.Add(1)
		go func(order, user string) {
			defer wg.Done()
			a, _, err := s.Assign(ctx, model.TierSevenDays, order, user, "premium")
			switch {
			case err == nil:
				assert.Equal(t, "X", a.Key)
				successes.Add(1)
			case errors.Is(err, ErrOutOfStock):
				outOfStock.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(order, fmt.Sprintf("user-%d", i+1))
	}
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, 1, outOfStock.Load())
}

func TestStore_ConcurrentAssignBurstHandsOutDistinctKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	const stock = 50
	const buyers = 200

	keys := make([]string, 0, stock)
	for i := 0; i < stock; i++ {
		keys = append(keys, fmt.Sprintf("KEY-%03d", i))
	}
	_, _, err := s.AddKeys(ctx, model.TierOneDay, keys)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		issued = make(map[string]string)
		wg     sync.WaitGroup
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := fmt.Sprintf("order-%d", i)
			a, _, err := s.Assign(ctx, model.TierOneDay, order, "user", "premium")
			if errors.Is(err, ErrOutOfStock) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := issued[a.Key]; dup {
				t.Errorf("key %s issued to %s and %s", a.Key, prev, order)
			}
			issued[a.Key] = order
		}(i)
	}
	wg.Wait()

	assert.Len(t, issued, stock)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Available[model.TierOneDay])
	assert.Equal(t, stock, stats.Assigned[model.TierOneDay])
	assert.Equal(t, stock, stats.TotalAssigned)
}

func TestStore_ConcurrentReplaysOfOneOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	_, _, err := s.AddKeys(ctx, model.TierOneDay, []string{"A", "B", "C"})
	require.NoError(t, err)
	_, _, err = s.AddKeys(ctx, model.TierSevenDays, []string{"D", "E"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < 20; i++ {
		tier := model.TierOneDay
		if i%2 == 1 {
			tier = model.TierSevenDays
		}
		wg.Add(1)
		go func(tier model.Tier) {
			defer wg.Done()
			_, c, err := s.Assign(ctx, tier, "order-1", "user-1", "premium")
			assert.NoError(t, err)
			if c {
				created.Add(1)
			}
		}(tier)
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalAssigned)
	assert.Equal(t, 4, stats.Available[model.TierOneDay]+stats.Available[model.TierSevenDays])
}

func TestStore_ConcurrentIngestOfOverlappingBatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	batch := func(offset int) []string {
		res := make([]string, 0, 100)
		for i := 0; i < 100; i++ {
			res = append(res, fmt.Sprintf("KEY-%d", offset+i))
		}
		return res
	}

	var (
		wg         sync.WaitGroup
		totalAdded atomic.Int64
	)
	tiers := []model.Tier{model.TierOneDay, model.TierSevenDays, model.TierThirtyDays}
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := batch((i % 4) * 50)
			added, dups, err := s.AddKeys(ctx, tiers[i%3], keys)
			assert.NoError(t, err)
			assert.Equal(t, len(keys), added+dups)
			totalAdded.Add(int64(added))
		}(i)
	}
	wg.Wait()

	// Пачки перекрываются и покрывают KEY-0..KEY-249.
	assert.EqualValues(t, 250, totalAdded.Load())
	assert.Equal(t, 250, s.dedup.Len())

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	sum := 0
	for _, n := range stats.Available {
		sum += n
	}
	assert.Equal(t, 250, sum)
}

func TestStore_ListForUserNewestFirst(t *testing.T) {
	ctx := context.Background()

	now := testNow
	s := NewStore(WithClock(clock.NewFixed(now)))
	_, _, err := s.AddKeys(ctx, model.TierOneDay, []string{"A", "B"})
	require.NoError(t, err)

	_, _, err = s.Assign(ctx, model.TierOneDay, "order-1", "user-1", "premium")
	require.NoError(t, err)

	s.clock = clock.NewFixed(now.Add(time.Hour))
	_, _, err = s.Assign(ctx, model.TierOneDay, "order-2", "user-1", "premium")
	require.NoError(t, err)

	list, err := s.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "order-2", list[0].OrderID)
	assert.Equal(t, "order-1", list[1].OrderID)

	empty, err := s.ListForUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestStore_StatsStayConsistentDuringAssign(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()

	const stock = 300
	keys := make([]string, 0, stock)
	for i := 0; i < stock; i++ {
		keys = append(keys, fmt.Sprintf("K-%04d", i))
	}
	_, _, err := s.AddKeys(ctx, model.TierSevenDays, keys)
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < stock/4; i++ {
				_, _, err := s.Assign(ctx, model.TierSevenDays, fmt.Sprintf("o-%d-%d", w, i), "user", "premium")
				assert.NoError(t, err)
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, stock, stats.Available[model.TierSevenDays]+stats.Assigned[model.TierSevenDays])

		select {
		case <-done:
			return
		default:
		}
	}
}
