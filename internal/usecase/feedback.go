package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/skillforge/coachline/internal/adapter/fallback"
	"github.com/skillforge/coachline/internal/domain"
)

const (
	keyFeedbackHistory = "feedback:history"
	keyNextDayComments = "feedback:next_day"
	keyProgress        = "progress"
	keyAdviceHistory   = "history:advice"

	maxFeedbackHistory = 200
	maxAdviceHistory   = 100
	nextDayRetention   = 7 * 24 * time.Hour
)

// FeedbackService owns the append-only feedback log, the per-day progress
// table, and the advice history used for search and feedback weighting.
// mu serializes the load-append-save cycles so concurrent writers never
// drop each other's entries.
type FeedbackService struct {
	kv    domain.KVStore
	clock domain.Clock
	log   *slog.Logger
	mu    sync.Mutex
}

// NewFeedbackService constructs a FeedbackService.
func NewFeedbackService(kv domain.KVStore, clock domain.Clock, log *slog.Logger) *FeedbackService {
	return &FeedbackService{kv: kv, clock: clock, log: log}
}

// dayProgress is one row of the progress table.
type dayProgress struct {
	Completed bool                `json:"completed"`
	Feedback  domain.FeedbackKind `json:"feedback,omitempty"`
}

// ProgressStats summarizes the progress table for the UI.
type ProgressStats struct {
	TotalLessons  int `json:"total_lessons"`
	CurrentStreak int `json:"current_streak"`
	ActiveDays    int `json:"active_days"`
}

// Record validates and appends one feedback event. A comment is carried
// forward into the next day's prompt; comment stashes older than seven
// days are pruned on the way through.
func (s *FeedbackService) Record(ctx context.Context, adviceID string, kind domain.FeedbackKind, comment string) (domain.FeedbackEvent, error) {
	if adviceID == "" {
		return domain.FeedbackEvent{}, fmt.Errorf("%w: advice id required", domain.ErrInvalidArgument)
	}
	if !kind.Valid() {
		return domain.FeedbackEvent{}, fmt.Errorf("%w: unknown feedback kind %q", domain.ErrInvalidArgument, kind)
	}
	now := s.clock.Now().UTC()
	ev := domain.FeedbackEvent{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		AdviceID:  adviceID,
		Kind:      kind,
		Comment:   strings.TrimSpace(comment),
		Timestamp: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var history []domain.FeedbackEvent
	if err := s.load(ctx, keyFeedbackHistory, &history); err != nil {
		return domain.FeedbackEvent{}, err
	}
	history = append(history, ev)
	if len(history) > maxFeedbackHistory {
		history = history[len(history)-maxFeedbackHistory:]
	}
	if err := s.save(ctx, keyFeedbackHistory, history); err != nil {
		return domain.FeedbackEvent{}, err
	}

	if err := s.markProgress(ctx, now, kind); err != nil {
		return domain.FeedbackEvent{}, err
	}
	if ev.Comment != "" {
		if err := s.stashComment(ctx, now, ev.Comment); err != nil {
			return domain.FeedbackEvent{}, err
		}
	}
	s.log.Info("feedback recorded", slog.String("advice_id", adviceID), slog.String("kind", string(kind)))
	return ev, nil
}

func (s *FeedbackService) markProgress(ctx context.Context, now time.Time, kind domain.FeedbackKind) error {
	progress := map[string]dayProgress{}
	if err := s.load(ctx, keyProgress, &progress); err != nil {
		return err
	}
	progress[domain.DayKey(now)] = dayProgress{Completed: true, Feedback: kind}
	return s.save(ctx, keyProgress, progress)
}

// stashComment files the comment under tomorrow's day key so the next
// generation prompt can react to it.
func (s *FeedbackService) stashComment(ctx context.Context, now time.Time, comment string) error {
	stash := map[string][]string{}
	if err := s.load(ctx, keyNextDayComments, &stash); err != nil {
		return err
	}
	for day := range stash {
		if t, err := time.Parse("2006-01-02", day); err != nil || now.Sub(t) > nextDayRetention {
			delete(stash, day)
		}
	}
	tomorrow := domain.DayKey(now.AddDate(0, 0, 1))
	stash[tomorrow] = append(stash[tomorrow], comment)
	return s.save(ctx, keyNextDayComments, stash)
}

// NextDayComments returns the comments stashed for the given day.
func (s *FeedbackService) NextDayComments(ctx context.Context, day string) ([]string, error) {
	stash := map[string][]string{}
	if err := s.load(ctx, keyNextDayComments, &stash); err != nil {
		return nil, err
	}
	return stash[day], nil
}

// Recent returns up to n feedback events, newest first.
func (s *FeedbackService) Recent(ctx context.Context, n int) ([]domain.FeedbackEvent, error) {
	var history []domain.FeedbackEvent
	if err := s.load(ctx, keyFeedbackHistory, &history); err != nil {
		return nil, err
	}
	out := make([]domain.FeedbackEvent, 0, n)
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

// RecentSignals resolves the recent feedback window into category-group
// signals for the weighted fallback chooser. Advice no longer in history
// counts as universal.
func (s *FeedbackService) RecentSignals(ctx context.Context, n int) ([]fallback.FeedbackSignal, error) {
	events, err := s.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	advice, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(advice))
	for _, a := range advice {
		byID[a.ID] = a.Category
	}
	signals := make([]fallback.FeedbackSignal, 0, len(events))
	for _, ev := range events {
		signals = append(signals, fallback.FeedbackSignal{
			Group: domain.GroupFor(byID[ev.AdviceID]),
			Kind:  ev.Kind,
		})
	}
	return signals, nil
}

// RecordAdvice appends served advice to the history, deduplicating by ID.
func (s *FeedbackService) RecordAdvice(ctx context.Context, advice domain.AdviceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []domain.AdviceResult
	if err := s.load(ctx, keyAdviceHistory, &history); err != nil {
		return err
	}
	for _, a := range history {
		if a.ID == advice.ID {
			return nil
		}
	}
	history = append(history, advice)
	if len(history) > maxAdviceHistory {
		history = history[len(history)-maxAdviceHistory:]
	}
	return s.save(ctx, keyAdviceHistory, history)
}

// History returns all recorded advice, oldest first.
func (s *FeedbackService) History(ctx context.Context) ([]domain.AdviceResult, error) {
	var history []domain.AdviceResult
	if err := s.load(ctx, keyAdviceHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// SearchHistory returns advice whose headline, body, or action step
// contains the query, case-insensitively, newest first.
func (s *FeedbackService) SearchHistory(ctx context.Context, query string) ([]domain.AdviceResult, error) {
	history, err := s.History(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, fmt.Errorf("%w: empty search query", domain.ErrInvalidArgument)
	}
	var out []domain.AdviceResult
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		text := strings.ToLower(a.Headline + " " + a.Body + " " + a.ActionStep)
		if strings.Contains(text, q) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Progress computes completion totals and the current daily streak. The
// streak counts back from today, tolerating an incomplete today.
func (s *FeedbackService) Progress(ctx context.Context) (ProgressStats, error) {
	progress := map[string]dayProgress{}
	if err := s.load(ctx, keyProgress, &progress); err != nil {
		return ProgressStats{}, err
	}
	stats := ProgressStats{ActiveDays: len(progress)}
	for _, p := range progress {
		if p.Completed {
			stats.TotalLessons++
		}
	}

	day := s.clock.Now().UTC()
	if p, ok := progress[domain.DayKey(day)]; !ok || !p.Completed {
		day = day.AddDate(0, 0, -1)
	}
	for {
		p, ok := progress[domain.DayKey(day)]
		if !ok || !p.Completed {
			break
		}
		stats.CurrentStreak++
		day = day.AddDate(0, 0, -1)
	}
	return stats, nil
}

// TodayCompleted reports whether today's advice already received feedback.
func (s *FeedbackService) TodayCompleted(ctx context.Context) (bool, domain.FeedbackKind, error) {
	progress := map[string]dayProgress{}
	if err := s.load(ctx, keyProgress, &progress); err != nil {
		return false, "", err
	}
	p, ok := progress[domain.DayKey(s.clock.Now())]
	if !ok || !p.Completed {
		return false, "", nil
	}
	return true, p.Feedback, nil
}

// load reads a JSON value, treating absence and corruption as empty state.
func (s *FeedbackService) load(ctx context.Context, key string, out any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.log.Warn("stored state unreadable, starting empty", slog.String("key", key), slog.Any("error", err))
	}
	return nil
}

func (s *FeedbackService) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=feedback.save key=%s: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(raw))
}
