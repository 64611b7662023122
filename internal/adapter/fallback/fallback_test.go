package fallback

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillforge/coachline/internal/domain"
)

func newSelector(t *testing.T) *Selector {
	t.Helper()
	s, err := New()
	require.NoError(t, err)
	return s
}

func TestSelectOffline_StableWithinDay(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	morning := time.Date(2026, 8, 15, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 15, 22, 30, 0, 0, time.UTC)

	a := s.SelectOffline("fps", domain.SkillBeginner, morning)
	b := s.SelectOffline("fps", domain.SkillBeginner, evening)
	assert.Equal(t, a.ID, b.ID, "same day must select the same entry")
	assert.Equal(t, domain.SourceOffline, a.Source)
	assert.NotEmpty(t, a.Headline)
	assert.NotEmpty(t, a.Body)
	assert.NotEmpty(t, a.ActionStep)
}

func TestSelectOffline_CyclesThroughPool(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	poolSize := len(s.eligible("wellness", domain.SkillBeginner))
	require.Greater(t, poolSize, 1)

	seen := map[string]bool{}
	day := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < poolSize; i++ {
		got := s.SelectOffline("wellness", domain.SkillBeginner, day.AddDate(0, 0, i))
		seen[got.ID] = true
	}
	assert.Len(t, seen, poolSize, "consecutive days must cycle the full pool before repeating")
}

func TestSelectOffline_UnknownCategoryUsesUniversal(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	got := s.SelectOffline("chess", domain.SkillBeginner, time.Now())
	assert.Contains(t, got.ID, "universal")
	assert.Equal(t, "chess", got.Category, "requested category is kept on the result")
}

func TestSelectOffline_UsesUTCCalendar(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	// 23:30 in UTC+10 is 13:30 UTC the same day; 23:30 UTC is a different
	// UTC day than 09:30 UTC+10 the next morning only if local time drove
	// the rotation.
	tz := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2026, 8, 15, 23, 30, 0, 0, tz)
	utc := local.UTC()
	require.Equal(t, 15, utc.Day())

	a := s.SelectOffline("fps", domain.SkillBeginner, local)
	b := s.SelectOffline("fps", domain.SkillBeginner, utc)
	assert.Equal(t, a.ID, b.ID)
}

func TestAdjustedWeights_Baseline(t *testing.T) {
	t.Parallel()
	w := AdjustedWeights(nil)
	assert.InDelta(t, 0.4, w.DomainSpecific, 1e-9)
	assert.InDelta(t, 0.3, w.Wellness, 1e-9)
	assert.InDelta(t, 0.3, w.Universal, 1e-9)
}

func TestAdjustedWeights_TooHardLowersGroup(t *testing.T) {
	t.Parallel()
	window := []FeedbackSignal{
		{Group: domain.GroupDomainSpecific, Kind: domain.FeedbackTooHard},
		{Group: domain.GroupDomainSpecific, Kind: domain.FeedbackTooHard},
		{Group: domain.GroupDomainSpecific, Kind: domain.FeedbackTooHard},
	}
	w := AdjustedWeights(window)

	baseline := AdjustedWeights(nil)
	assert.Less(t, w.DomainSpecific, baseline.DomainSpecific)
	assert.GreaterOrEqual(t, w.DomainSpecific, 0.1)
	assert.LessOrEqual(t, w.DomainSpecific, 0.8)
	assert.InDelta(t, 1.0, w.DomainSpecific+w.Wellness+w.Universal, 1e-9)
}

func TestAdjustedWeights_ClampsBeforeNormalizing(t *testing.T) {
	t.Parallel()
	var window []FeedbackSignal
	for i := 0; i < 20; i++ {
		window = append(window, FeedbackSignal{Group: domain.GroupWellness, Kind: domain.FeedbackHelpful})
	}
	w := AdjustedWeights(window)

	// Pre-normalization wellness hits the 0.8 ceiling against 0.4 and 0.3.
	assert.InDelta(t, 0.8/1.5, w.Wellness, 1e-9)
	assert.InDelta(t, 1.0, w.DomainSpecific+w.Wellness+w.Universal, 1e-9)
	assert.False(t, math.IsNaN(w.Wellness))
}

func TestWeightedCategory_FollowsCumulativeWeights(t *testing.T) {
	t.Parallel()
	s := newSelector(t)

	s.rand = func() float64 { return 0.0 }
	assert.Equal(t, domain.GroupDomainSpecific, s.WeightedCategory(nil))

	s.rand = func() float64 { return 0.5 }
	assert.Equal(t, domain.GroupWellness, s.WeightedCategory(nil))

	s.rand = func() float64 { return 0.95 }
	assert.Equal(t, domain.GroupUniversal, s.WeightedCategory(nil))
}

func TestSelectForRequest_NoGoalsUsesDateRotation(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	got := s.SelectForRequest(domain.AdviceRequest{Category: "fps", SkillLevel: domain.SkillBeginner}, now, nil)
	want := s.SelectOffline("fps", domain.SkillBeginner, now)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, domain.SourceOffline, got.Source)
	assert.Contains(t, got.ID, "fps", "drawn from the category pool")
}

func TestSelectForRequest_GoalKeywordMatch(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	req := domain.AdviceRequest{
		Category:   "fps",
		SkillLevel: domain.SkillBeginner,
		Goals:      []domain.Goal{{Title: "Improve my aim consistency"}},
	}
	got := s.SelectForRequest(req, time.Now(), nil)
	assert.Equal(t, domain.SourceOffline, got.Source)
	assert.Contains(t, got.Body, "Improve my aim consistency", "goal connection is spliced into the body")
}

func TestSelectForRequest_GoalsWithoutKeywordUsesWeightedRotation(t *testing.T) {
	t.Parallel()
	s := newSelector(t)
	s.rand = func() float64 { return 0.0 } // always the domain-specific group
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	req := domain.AdviceRequest{
		Category:   "fps",
		SkillLevel: domain.SkillBeginner,
		Goals:      []domain.Goal{{Title: "Reach top 500"}},
	}
	got := s.SelectForRequest(req, now, nil)
	want := s.SelectOffline("fps", domain.SkillBeginner, now)
	assert.Equal(t, want.ID, got.ID)

	s.rand = func() float64 { return 0.99 } // universal group
	got = s.SelectForRequest(req, now, nil)
	assert.Contains(t, got.ID, "universal")
}
