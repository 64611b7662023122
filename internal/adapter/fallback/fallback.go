// Package fallback serves curated offline advice when live generation is
// unavailable. Selection is date-seeded so the same day always yields the
// same entry without persisting any rotation state.
package fallback

import (
	_ "embed"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skillforge/coachline/internal/domain"
)

//go:embed pools.yaml
var poolsYAML []byte

// Entry is one curated advice item.
type Entry struct {
	ID          string              `yaml:"id"`
	SkillLevels []domain.SkillLevel `yaml:"skill_levels"`
	Headline    string              `yaml:"headline"`
	Body        string              `yaml:"body"`
	ActionStep  string              `yaml:"action_step"`
}

type poolFile struct {
	Pools map[string][]Entry `yaml:"pools"`
}

// Base category-group weights for the probabilistic chooser.
const (
	baseDomainSpecific = 0.4
	baseWellness       = 0.3
	baseUniversal      = 0.3

	weightFloor = 0.1
	weightCeil  = 0.8
)

// Selector picks offline advice from the embedded pools.
type Selector struct {
	pools map[string][]Entry
	rand  func() float64
}

// New parses the embedded pools. It fails only if the embedded data is
// broken, which is a build defect rather than a runtime condition.
func New() (*Selector, error) {
	var pf poolFile
	if err := yaml.Unmarshal(poolsYAML, &pf); err != nil {
		return nil, fmt.Errorf("op=fallback.New: %w", err)
	}
	if len(pf.Pools["universal"]) == 0 {
		return nil, fmt.Errorf("op=fallback.New: universal pool is empty")
	}
	return &Selector{pools: pf.Pools, rand: rand.Float64}, nil
}

// SelectOffline returns the day's entry for a category. Unknown categories
// fall back to the universal pool. The index rotates daily on UTC calendar
// position, so repeated calls within a day are stable.
func (s *Selector) SelectOffline(category string, skill domain.SkillLevel, now time.Time) domain.AdviceResult {
	pool := s.eligible(category, skill)
	if len(pool) == 0 {
		pool = s.eligible("universal", skill)
	}
	if len(pool) == 0 {
		pool = s.pools["universal"]
	}
	utc := now.UTC()
	idx := (utc.Day() + int(utc.Month()) - 1) % len(pool)
	e := pool[idx]
	return domain.AdviceResult{
		ID:          e.ID,
		Category:    category,
		Headline:    e.Headline,
		Body:        e.Body,
		ActionStep:  e.ActionStep,
		Source:      domain.SourceOffline,
		GeneratedAt: utc,
	}
}

func (s *Selector) eligible(category string, skill domain.SkillLevel) []Entry {
	var out []Entry
	for _, e := range s.pools[category] {
		for _, lvl := range e.SkillLevels {
			if lvl == skill {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Weights holds the adjusted category-group weights, normalized to sum 1.
type Weights struct {
	DomainSpecific float64
	Wellness       float64
	Universal      float64
}

// AdjustedWeights folds the recent feedback window into the base weights.
// Helpful feedback nudges its group up by 0.1; too_easy and too_hard nudge
// it down by 0.05. Each weight is clamped to [0.1, 0.8] before the set is
// renormalized.
func AdjustedWeights(window []FeedbackSignal) Weights {
	adj := map[domain.CategoryGroup]float64{
		domain.GroupDomainSpecific: 0,
		domain.GroupWellness:       0,
		domain.GroupUniversal:      0,
	}
	for _, sig := range window {
		switch sig.Kind {
		case domain.FeedbackHelpful:
			adj[sig.Group] += 0.1
		case domain.FeedbackTooEasy, domain.FeedbackTooHard:
			adj[sig.Group] -= 0.05
		}
	}
	clamp := func(base, delta float64) float64 {
		v := base + delta
		if v < weightFloor {
			return weightFloor
		}
		if v > weightCeil {
			return weightCeil
		}
		return v
	}
	w := Weights{
		DomainSpecific: clamp(baseDomainSpecific, adj[domain.GroupDomainSpecific]),
		Wellness:       clamp(baseWellness, adj[domain.GroupWellness]),
		Universal:      clamp(baseUniversal, adj[domain.GroupUniversal]),
	}
	total := w.DomainSpecific + w.Wellness + w.Universal
	w.DomainSpecific /= total
	w.Wellness /= total
	w.Universal /= total
	return w
}

// FeedbackSignal is one recent feedback event resolved to the category
// group of the advice it reacted to.
type FeedbackSignal struct {
	Group domain.CategoryGroup
	Kind  domain.FeedbackKind
}

// WeightedCategory draws a category group against the adjusted cumulative
// weights. Used when the request carries no explicit category.
func (s *Selector) WeightedCategory(window []FeedbackSignal) domain.CategoryGroup {
	w := AdjustedWeights(window)
	r := s.rand()
	switch {
	case r < w.DomainSpecific:
		return domain.GroupDomainSpecific
	case r < w.DomainSpecific+w.Wellness:
		return domain.GroupWellness
	default:
		return domain.GroupUniversal
	}
}

// SelectForRequest is the full offline path for one advice request. A
// request without goals takes the date-rotated pool for its category; a
// goal-bearing request tries advice related to its goals first, then
// falls back to the weighted category chooser over the rotated pools.
func (s *Selector) SelectForRequest(req domain.AdviceRequest, now time.Time, window []FeedbackSignal) domain.AdviceResult {
	if len(req.Goals) == 0 {
		return s.SelectOffline(req.Category, req.SkillLevel, now)
	}
	if e, ok := s.goalRelated(req); ok {
		return domain.AdviceResult{
			ID:          e.ID,
			Category:    req.Category,
			Headline:    e.Headline,
			Body:        e.Body + " This practice feeds directly into the goal \"" + req.Goals[0].Title + "\".",
			ActionStep:  e.ActionStep,
			Source:      domain.SourceOffline,
			GeneratedAt: now.UTC(),
		}
	}
	category := req.Category
	switch s.WeightedCategory(window) {
	case domain.GroupWellness:
		category = "wellness"
	case domain.GroupUniversal:
		category = "universal"
	}
	return s.SelectOffline(category, req.SkillLevel, now)
}

// goalRelated looks for a pool entry whose text shares a coaching keyword
// with the request's goal titles.
func (s *Selector) goalRelated(req domain.AdviceRequest) (Entry, bool) {
	keywords := []string{"aim", "practice", "skill", "improve", "master", "combo", "ward", "scout"}
	var goalText strings.Builder
	for _, g := range req.Goals {
		goalText.WriteString(strings.ToLower(g.Title + " " + g.Detail + " "))
	}
	candidates := append(s.eligible(req.Category, req.SkillLevel), s.eligible("universal", req.SkillLevel)...)
	for _, e := range candidates {
		text := strings.ToLower(e.Headline + " " + e.Body + " " + e.ActionStep)
		for _, kw := range keywords {
			if strings.Contains(goalText.String(), kw) && strings.Contains(text, kw) {
				return e, true
			}
		}
	}
	return Entry{}, false
}

