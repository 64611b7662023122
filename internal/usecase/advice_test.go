package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/coachline/internal/adapter/ai/codec"
	"github.com/skillforge/coachline/internal/adapter/ai/vault"
	"github.com/skillforge/coachline/internal/adapter/cache"
	"github.com/skillforge/coachline/internal/adapter/fallback"
	"github.com/skillforge/coachline/internal/adapter/kvstore/rediskv"
	"github.com/skillforge/coachline/internal/domain"
	"github.com/skillforge/coachline/internal/testutil"
)

const goodJSON = "```json\n{\"headline\":\"Aim drills\",\"body\":\"Do the drills.\",\"actionStep\":\"Ten minutes today.\"}\n```"

type stubGen struct {
	mu      sync.Mutex
	text    string
	err     error
	connErr error
	calls   int
}

func (g *stubGen) GenerateText(context.Context, codec.Template, domain.AdviceRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.text, g.err
}

func (g *stubGen) TestConnection(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connErr
}

func (g *stubGen) set(text string, err error) {
	g.mu.Lock()
	g.text, g.err = text, err
	g.mu.Unlock()
}

func (g *stubGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type pipelineFixture struct {
	svc   *AdviceService
	gen   *stubGen
	vault *vault.Vault
	cache *cache.Store
	clock *testClock
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := rediskv.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	clock := &testClock{now: time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)}
	log := testutil.Logger(t)

	v := vault.New(context.Background(), kv, clock, log, 20, 30*24*time.Hour)
	gen := &stubGen{text: goodJSON}
	c := cache.New(kv, clock, log, 24*time.Hour, 100)
	sel, err := fallback.New()
	require.NoError(t, err)
	esc := NewEscalation(20*time.Millisecond, 50*time.Millisecond, clock, log)
	fb := NewFeedbackService(kv, clock, log)

	return &pipelineFixture{
		svc:   NewAdviceService(clock, log, v, gen, c, sel, esc, fb),
		gen:   gen,
		vault: v,
		cache: c,
		clock: clock,
	}
}

func (f *pipelineFixture) configure(t *testing.T) {
	t.Helper()
	require.NoError(t, f.vault.SetCredential(context.Background(), "AIzaSyTestKey_1234567890"))
}

func fpsRequest() domain.AdviceRequest {
	return domain.AdviceRequest{Category: "fps", SkillLevel: domain.SkillBeginner}
}

func TestRequestAdvice_OfflineWhenNotConfigured(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)

	resp, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.SourceOffline, resp.Advice.Source)
	assert.Contains(t, resp.Advice.ID, "fps")
	assert.NotEmpty(t, resp.Advice.Headline)
	assert.NotEmpty(t, resp.Advice.Body)
	assert.NotEmpty(t, resp.Advice.ActionStep)
	assert.Nil(t, resp.Notice)
	assert.Zero(t, f.gen.callCount(), "no provider call without a credential")
}

func TestRequestAdvice_LiveThenCached(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	f.configure(t)

	first, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLive, first.Advice.Source)
	assert.Equal(t, "Aim drills", first.Advice.Headline)

	second, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCached, second.Advice.Source)
	assert.Equal(t, first.Advice.ID, second.Advice.ID)
	assert.Equal(t, 1, f.gen.callCount(), "second request served from cache")
}

func TestRequestAdvice_RejectsMissingCategory(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	_, err := f.svc.RequestAdvice(context.Background(), domain.AdviceRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestRequestAdvice_FirstFailureSilentWithOfflineContent(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	f.configure(t)
	f.gen.set("", &domain.StatusError{Status: 500})

	resp, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.SourceOffline, resp.Advice.Source, "fallback content is always served")
	require.NotNil(t, resp.Notice)
	assert.True(t, resp.Notice.Silent)
	assert.Empty(t, resp.Notice.Message)

	// The silent retry regenerates in the background and fills the cache.
	f.gen.set(goodJSON, nil)
	assert.Eventually(t, func() bool {
		got, ok, err := f.cache.Get(context.Background(), domain.DayKey(f.clock.Now()))
		return err == nil && ok && got.Source == domain.SourceLive
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRequestAdvice_SecondFailureClassified(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	f.configure(t)
	f.gen.set("", &domain.StatusError{Status: 429, Message: "quota exceeded"})

	resp1, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	require.NotNil(t, resp1.Notice)
	require.True(t, resp1.Notice.Silent)

	// The silent retry fires against the same failing stub, raising the
	// consecutive count past one.
	assert.Eventually(t, func() bool { return f.gen.callCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	// The cached offline entry sticks while not configured for live, so
	// clear it to force another attempt.
	_, err = f.cache.InvalidateOffline(context.Background())
	require.NoError(t, err)

	resp2, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	require.NotNil(t, resp2.Notice)
	assert.False(t, resp2.Notice.Silent)
	assert.Equal(t, domain.ClassQuota, resp2.Notice.Class)
	assert.Contains(t, resp2.Notice.Message, "usage limit")
	assert.Equal(t, domain.SourceOffline, resp2.Advice.Source)
}

func TestRequestAdvice_ParseFailureFallsBack(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	f.configure(t)
	f.gen.set("I am sorry, I cannot produce JSON today.", nil)

	resp, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceOffline, resp.Advice.Source)
	require.NotNil(t, resp.Notice)
}

func TestRequestAdvice_OfflineCacheInvalidatedOnceConfigured(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)

	offline, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	require.Equal(t, domain.SourceOffline, offline.Advice.Source)

	// Same day, still unconfigured: the offline answer replays from cache.
	replay, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceCached, replay.Advice.Source)
	assert.Equal(t, offline.Advice.ID, replay.Advice.ID)

	f.configure(t)
	live, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLive, live.Advice.Source, "offline cache entry must not mask live generation")
}

func TestSetCredential_TestsConnectionAndFlushesOffline(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)

	_, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)

	strength, err := f.svc.SetCredential(context.Background(), "AIzaSyTestKey_1234567890")
	require.NoError(t, err)
	assert.True(t, strength.Valid)

	_, ok, err := f.cache.Get(context.Background(), domain.DayKey(f.clock.Now()))
	require.NoError(t, err)
	assert.False(t, ok, "offline entry flushed after successful connection test")

	status := f.svc.Credential()
	assert.True(t, status.Configured)
	require.NotNil(t, status.DaysOld)
	assert.Zero(t, *status.DaysOld)
	assert.False(t, status.Stale)
}

func TestSetCredential_WeakKeyStillStoredWithAdvisory(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)

	strength, err := f.svc.SetCredential(context.Background(), "sk-short")
	require.NoError(t, err)
	assert.False(t, strength.Valid)
	assert.NotEmpty(t, strength.Issues)

	// Stored but below the configured length floor.
	assert.False(t, f.svc.Credential().Configured)
}

func TestClearCredential_BacksOffToOffline(t *testing.T) {
	t.Parallel()
	f := newPipeline(t)
	f.configure(t)

	_, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)

	f.svc.ClearCredential(context.Background())
	assert.False(t, f.svc.Credential().Configured)

	f.clock.now = f.clock.now.AddDate(0, 0, 2)
	resp, err := f.svc.RequestAdvice(context.Background(), fpsRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceOffline, resp.Advice.Source)
}
