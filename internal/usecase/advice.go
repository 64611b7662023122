package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skillforge/coachline/internal/adapter/ai/codec"
	"github.com/skillforge/coachline/internal/adapter/ai/vault"
	"github.com/skillforge/coachline/internal/adapter/cache"
	"github.com/skillforge/coachline/internal/adapter/fallback"
	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/domain"
)

// Generator is the outbound text-generation port.
type Generator interface {
	GenerateText(ctx context.Context, tpl codec.Template, req domain.AdviceRequest) (string, error)
	TestConnection(ctx context.Context) error
}

// AdviceResponse is what the inbound surface renders: advice, always, and
// optionally a classified failure notice when live generation struggled.
type AdviceResponse struct {
	Advice domain.AdviceResult `json:"advice"`
	Notice *Notice             `json:"notice,omitempty"`
}

// AdviceService runs the full pipeline for one advice request:
// cache, credential check, live generation, escalation, fallback.
type AdviceService struct {
	clock    domain.Clock
	log      *slog.Logger
	vault    *vault.Vault
	gen      Generator
	cache    *cache.Store
	selector *fallback.Selector
	esc      *Escalation
	feedback *FeedbackService

	retryTimeout time.Duration
}

// NewAdviceService wires the pipeline.
func NewAdviceService(clock domain.Clock, log *slog.Logger, v *vault.Vault, gen Generator, c *cache.Store, sel *fallback.Selector, esc *Escalation, fb *FeedbackService) *AdviceService {
	return &AdviceService{
		clock:        clock,
		log:          log,
		vault:        v,
		gen:          gen,
		cache:        c,
		selector:     sel,
		esc:          esc,
		feedback:     fb,
		retryTimeout: 45 * time.Second,
	}
}

// RequestAdvice returns today's advice. The caller always gets content:
// cached, freshly generated, or offline fallback, in that order of
// preference.
func (s *AdviceService) RequestAdvice(ctx context.Context, req domain.AdviceRequest) (AdviceResponse, error) {
	if req.Category == "" {
		return AdviceResponse{}, fmt.Errorf("%w: category required", domain.ErrInvalidArgument)
	}
	if !req.SkillLevel.Valid() {
		req.SkillLevel = domain.SkillIntermediate
	}
	now := s.clock.Now()
	day := domain.DayKey(now)

	cached, ok, err := s.cache.Get(ctx, day)
	if err != nil {
		return AdviceResponse{}, err
	}
	if ok {
		if cached.Source == domain.SourceOffline && s.vault.IsConfigured() {
			// Connectivity is back; drop canned answers and regenerate.
			if _, err := s.cache.InvalidateOffline(ctx); err != nil {
				return AdviceResponse{}, err
			}
		} else {
			cached.Source = domain.SourceCached
			observability.AdviceServedTotal.WithLabelValues(string(domain.SourceCached)).Inc()
			return AdviceResponse{Advice: cached}, nil
		}
	}

	if err := s.enrich(ctx, &req, day); err != nil {
		return AdviceResponse{}, err
	}

	if !s.vault.IsConfigured() {
		return s.serveOffline(ctx, req, day, nil)
	}

	advice, genErr := s.generateLive(ctx, req, day)
	if genErr == nil {
		return AdviceResponse{Advice: advice}, nil
	}

	notice := s.esc.RecordFailure(genErr, s.retryFunc(req))
	return s.serveOffline(ctx, req, day, &notice)
}

// enrich folds stored goals context into the request: the recent feedback
// window and any comments stashed for today's prompt.
func (s *AdviceService) enrich(ctx context.Context, req *domain.AdviceRequest, day string) error {
	if len(req.RecentFeedback) == 0 {
		recent, err := s.feedback.Recent(ctx, 10)
		if err != nil {
			return err
		}
		req.RecentFeedback = recent
	}
	comments, err := s.feedback.NextDayComments(ctx, day)
	if err != nil {
		return err
	}
	if len(comments) > 0 {
		note := "player notes from yesterday: " + strings.Join(comments, "; ")
		if req.ContextLabel == "" {
			req.ContextLabel = note
		} else {
			req.ContextLabel += "; " + note
		}
	}
	return nil
}

// generateLive runs one provider attempt and parses the result.
func (s *AdviceService) generateLive(ctx context.Context, req domain.AdviceRequest, day string) (domain.AdviceResult, error) {
	text, err := s.gen.GenerateText(ctx, codec.TemplateDailyAdvice, req)
	if err != nil {
		return domain.AdviceResult{}, err
	}
	obj, err := codec.ExtractStructuredBlock(text)
	if err != nil {
		return domain.AdviceResult{}, err
	}
	advice, err := codec.DecodeAdvice(obj)
	if err != nil {
		return domain.AdviceResult{}, err
	}
	advice.ID = uuid.NewString()
	advice.Category = req.Category
	advice.Source = domain.SourceLive
	advice.GeneratedAt = s.clock.Now().UTC()

	s.esc.RecordSuccess()
	if err := s.cache.Put(ctx, day, advice); err != nil {
		return domain.AdviceResult{}, err
	}
	if err := s.feedback.RecordAdvice(ctx, advice); err != nil {
		return domain.AdviceResult{}, err
	}
	observability.AdviceServedTotal.WithLabelValues(string(domain.SourceLive)).Inc()
	s.log.Info("advice generated", slog.String("advice_id", advice.ID), slog.String("category", advice.Category))
	return advice, nil
}

// retryFunc builds the scheduled-retry closure for the escalation
// controller. The retry runs detached from the original request context;
// its output lands in the cache for the next natural request.
func (s *AdviceService) retryFunc(req domain.AdviceRequest) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.retryTimeout)
		defer cancel()
		day := domain.DayKey(s.clock.Now())
		if _, err := s.generateLive(ctx, req, day); err != nil {
			s.log.Warn("scheduled retry failed", slog.Any("error", err))
			s.esc.RecordFailure(err, s.retryFunc(req))
		}
	}
}

func (s *AdviceService) serveOffline(ctx context.Context, req domain.AdviceRequest, day string, notice *Notice) (AdviceResponse, error) {
	signals, err := s.feedback.RecentSignals(ctx, 10)
	if err != nil {
		return AdviceResponse{}, err
	}
	advice := s.selector.SelectForRequest(req, s.clock.Now(), signals)
	if err := s.cache.Put(ctx, day, advice); err != nil {
		return AdviceResponse{}, err
	}
	if err := s.feedback.RecordAdvice(ctx, advice); err != nil {
		return AdviceResponse{}, err
	}
	observability.AdviceServedTotal.WithLabelValues(string(domain.SourceOffline)).Inc()
	return AdviceResponse{Advice: advice, Notice: notice}, nil
}

// CredentialStatus is the advisory view of the stored credential.
type CredentialStatus struct {
	Configured bool   `json:"configured"`
	DaysOld    *int   `json:"days_old,omitempty"`
	Stale      bool   `json:"stale"`
	Provider   string `json:"provider,omitempty"`
}

// SetCredential stores a new credential and verifies it with a connection
// test when one can be made. A working credential also flushes offline
// cache entries so the next request goes live.
func (s *AdviceService) SetCredential(ctx context.Context, raw string) (vault.Strength, error) {
	strength := s.vault.CheckStrength(raw)
	if err := s.vault.SetCredential(ctx, raw); err != nil {
		return strength, err
	}
	if err := s.gen.TestConnection(ctx); err != nil {
		s.log.Warn("credential connection test failed", slog.Any("error", err))
		return strength, nil
	}
	s.esc.RecordSuccess()
	if _, err := s.cache.InvalidateOffline(ctx); err != nil {
		return strength, err
	}
	return strength, nil
}

// ClearCredential removes the stored credential.
func (s *AdviceService) ClearCredential(ctx context.Context) {
	s.vault.ClearCredential(ctx)
}

// Credential reports the advisory credential status.
func (s *AdviceService) Credential() CredentialStatus {
	age := s.vault.DescribeAge()
	return CredentialStatus{
		Configured: s.vault.IsConfigured(),
		DaysOld:    age.DaysOld,
		Stale:      age.Stale,
	}
}
