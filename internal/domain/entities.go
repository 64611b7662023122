// Package domain holds the core entities and ports of the advice pipeline.
package domain

import (
	"context"
	"time"
)

// SkillLevel enumerates supported player skill levels.
type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
)

// Valid reports whether the skill level is one of the known values.
func (s SkillLevel) Valid() bool {
	switch s {
	case SkillBeginner, SkillIntermediate, SkillAdvanced:
		return true
	}
	return false
}

// Source tags where an AdviceResult came from.
type Source string

const (
	SourceLive    Source = "live"
	SourceCached  Source = "cached"
	SourceOffline Source = "offline"
)

// FeedbackKind enumerates the three reactions a player can leave on advice.
type FeedbackKind string

const (
	FeedbackHelpful FeedbackKind = "helpful"
	FeedbackTooEasy FeedbackKind = "too_easy"
	FeedbackTooHard FeedbackKind = "too_hard"
)

// Valid reports whether the feedback kind is one of the known values.
func (k FeedbackKind) Valid() bool {
	switch k {
	case FeedbackHelpful, FeedbackTooEasy, FeedbackTooHard:
		return true
	}
	return false
}

// Goal is a player-set objective carried into the coaching prompt.
type Goal struct {
	Title    string `json:"title"`
	Detail   string `json:"detail,omitempty"`
	Deadline string `json:"deadline,omitempty"`
	Progress int    `json:"progress"` // percent, 0..100
}

// AdviceRequest is the immutable input to one advice generation.
// Built by the caller; never mutated once submitted.
type AdviceRequest struct {
	Category       string          `json:"category"`
	SkillLevel     SkillLevel      `json:"skill_level"`
	ContextLabel   string          `json:"context_label,omitempty"`
	Goals          []Goal          `json:"goals,omitempty"`
	RecentFeedback []FeedbackEvent `json:"recent_feedback,omitempty"`
}

// AdviceResult is the structured coaching recommendation returned to callers.
type AdviceResult struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Headline    string    `json:"headline"`
	Body        string    `json:"body"`
	ActionStep  string    `json:"action_step"`
	Source      Source    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FeedbackEvent is one append-only entry in the feedback log.
// Events are only ever read in aggregate over a bounded recent window.
type FeedbackEvent struct {
	ID        string       `json:"id"`
	AdviceID  string       `json:"advice_id"`
	Kind      FeedbackKind `json:"kind"`
	Comment   string       `json:"comment,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// CategoryGroup buckets advice categories for feedback weighting.
type CategoryGroup string

const (
	GroupDomainSpecific CategoryGroup = "domainSpecific"
	GroupWellness       CategoryGroup = "wellness"
	GroupUniversal      CategoryGroup = "universal"
)

// GroupFor maps a concrete category onto its weighting group.
func GroupFor(category string) CategoryGroup {
	switch category {
	case "fps", "moba", "fighting", "rts", "strategy":
		return GroupDomainSpecific
	case "wellness":
		return GroupWellness
	}
	return GroupUniversal
}

// ErrorClass is the user-facing classification of a generation failure.
type ErrorClass string

const (
	ClassOverload ErrorClass = "overload"
	ClassQuota    ErrorClass = "quota"
	ClassAuth     ErrorClass = "auth"
	ClassNetwork  ErrorClass = "network"
	ClassUnknown  ErrorClass = "unknown"
)

// FailureState tracks consecutive generation failures for escalation.
// Mutated only inside the pipeline's serialized execution path.
type FailureState struct {
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastErrorKind       ErrorClass
}

// KVStore is the process-scoped key-value persistence port.
// Values are JSON strings under string keys; absent or unparseable
// entries are treated as empty state, never as errors to callers.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
}

// Clock abstracts time for the day-keyed cache and date-seeded rotation.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a func to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// DayKey formats t as the canonical per-day cache key, always in UTC.
// UTC is the single authoritative calendar for rotation and caching so
// client and server never disagree on "today".
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
