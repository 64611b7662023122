package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/coachline/internal/adapter/kvstore/rediskv"
	"github.com/skillforge/coachline/internal/domain"
	"github.com/skillforge/coachline/internal/testutil"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestCache(t *testing.T, maxEntries int) (*Store, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := &testClock{now: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
	return New(kv, clock, testutil.Logger(t), 24*time.Hour, maxEntries), clock
}

func advice(id string, src domain.Source) domain.AdviceResult {
	return domain.AdviceResult{ID: id, Category: "fps", Headline: "h", Body: "b", ActionStep: "a", Source: src}
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 100)
	ctx := context.Background()
	day := domain.DayKey(clock.now)

	_, ok, err := s.Get(ctx, day)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, day, advice("a1", domain.SourceLive)))

	got, ok, err := s.Get(ctx, day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, domain.SourceLive, got.Source)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 100)
	ctx := context.Background()
	day := domain.DayKey(clock.now)

	require.NoError(t, s.Put(ctx, day, advice("a1", domain.SourceLive)))

	clock.now = clock.now.Add(23 * time.Hour)
	_, ok, err := s.Get(ctx, day)
	require.NoError(t, err)
	assert.True(t, ok, "still inside TTL")

	clock.now = clock.now.Add(2 * time.Hour)
	_, ok, err = s.Get(ctx, day)
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must read as absent")

	// The expired entry was deleted, not just hidden.
	_, ok, err = s.Get(ctx, day)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_PutSweepsExpired(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 100)
	ctx := context.Background()

	oldDay := domain.DayKey(clock.now)
	require.NoError(t, s.Put(ctx, oldDay, advice("old", domain.SourceLive)))

	clock.now = clock.now.Add(25 * time.Hour)
	newDay := domain.DayKey(clock.now)
	require.NoError(t, s.Put(ctx, newDay, advice("new", domain.SourceLive)))

	meta, err := s.loadMeta(ctx)
	require.NoError(t, err)
	assert.NotContains(t, meta, oldDay)
	assert.Contains(t, meta, newDay)
}

func TestCache_EvictsOldestBeyondCap(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 3)
	ctx := context.Background()

	base := clock.now
	var days []string
	for i := 0; i < 5; i++ {
		clock.now = base.Add(time.Duration(i) * time.Hour)
		day := fmt.Sprintf("2026-08-%02d", i+1)
		days = append(days, day)
		require.NoError(t, s.Put(ctx, day, advice(fmt.Sprintf("a%d", i), domain.SourceLive)))
	}

	meta, err := s.loadMeta(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 3)
	assert.NotContains(t, meta, days[0])
	assert.NotContains(t, meta, days[1])
	assert.Contains(t, meta, days[4], "newest entry survives eviction")
}

func TestCache_InvalidateOffline(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 100)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "2026-08-01", advice("off", domain.SourceOffline)))
	clock.now = clock.now.Add(time.Hour)
	require.NoError(t, s.Put(ctx, "2026-08-02", advice("live", domain.SourceLive)))

	n, err := s.InvalidateOffline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := s.Get(ctx, "2026-08-01")
	require.NoError(t, err)
	assert.False(t, ok, "offline entry gone")

	got, ok, err := s.Get(ctx, "2026-08-02")
	require.NoError(t, err)
	require.True(t, ok, "live entry untouched")
	assert.Equal(t, "live", got.ID)

	// Nothing left to invalidate.
	n, err = s.InvalidateOffline(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCache_CorruptMetadataResets(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	kv := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := &testClock{now: time.Now()}
	s := New(kv, clock, testutil.Logger(t), 24*time.Hour, 100)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "advice:meta", "{broken"))

	_, ok, err := s.Get(ctx, "2026-08-01")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "2026-08-01", advice("a1", domain.SourceLive)))
	_, ok, err = s.Get(ctx, "2026-08-01")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCache_BackdatedPutStillRespectsCap(t *testing.T) {
	t.Parallel()
	s, clock := newTestCache(t, 2)
	ctx := context.Background()

	base := clock.now
	clock.now = base.Add(2 * time.Hour)
	require.NoError(t, s.Put(ctx, "2026-08-02", advice("a2", domain.SourceLive)))
	clock.now = base.Add(3 * time.Hour)
	require.NoError(t, s.Put(ctx, "2026-08-03", advice("a3", domain.SourceLive)))

	// A write stamped older than every resident entry must still evict
	// down to the cap, not get a free pass.
	clock.now = base
	require.NoError(t, s.Put(ctx, "2026-08-01", advice("a1", domain.SourceLive)))

	meta, err := s.loadMeta(ctx)
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Contains(t, meta, "2026-08-01", "just-written entry survives")
	assert.NotContains(t, meta, "2026-08-02", "oldest other entry evicted")
	assert.Contains(t, meta, "2026-08-03")
}

func TestCache_ConcurrentPutsKeepEveryDay(t *testing.T) {
	t.Parallel()
	s, _ := newTestCache(t, 100)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			day := fmt.Sprintf("2026-08-%02d", i+1)
			assert.NoError(t, s.Put(ctx, day, advice(fmt.Sprintf("a%d", i), domain.SourceLive)))
		}(i)
	}
	wg.Wait()

	meta, err := s.loadMeta(ctx)
	require.NoError(t, err)
	assert.Len(t, meta, writers, "no metadata update lost to interleaving")
	for i := 0; i < writers; i++ {
		_, ok, err := s.Get(ctx, fmt.Sprintf("2026-08-%02d", i+1))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
