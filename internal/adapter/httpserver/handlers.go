package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/skillforge/coachline/internal/config"
	"github.com/skillforge/coachline/internal/domain"
	"github.com/skillforge/coachline/internal/usecase"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Advice     *usecase.AdviceService
	Feedback   *usecase.FeedbackService
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs the HTTP server surface.
func NewServer(cfg config.Config, advice *usecase.AdviceService, feedback *usecase.FeedbackService, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Advice: advice, Feedback: feedback, RedisCheck: redisCheck}
}

type goalDTO struct {
	Title    string `json:"title" validate:"required,max=200"`
	Detail   string `json:"detail" validate:"max=1000"`
	Deadline string `json:"deadline" validate:"max=40"`
	Progress int    `json:"progress" validate:"min=0,max=100"`
}

type adviceRequestDTO struct {
	Category     string    `json:"category" validate:"required,max=40"`
	SkillLevel   string    `json:"skill_level" validate:"omitempty,oneof=beginner intermediate advanced"`
	ContextLabel string    `json:"context_label" validate:"max=500"`
	Goals        []goalDTO `json:"goals" validate:"max=10,dive"`
}

// AdviceHandler serves POST /v1/advice.
func (s *Server) AdviceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto adviceRequestDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		req := domain.AdviceRequest{
			Category:     dto.Category,
			SkillLevel:   domain.SkillLevel(dto.SkillLevel),
			ContextLabel: dto.ContextLabel,
		}
		for _, g := range dto.Goals {
			req.Goals = append(req.Goals, domain.Goal{Title: g.Title, Detail: g.Detail, Deadline: g.Deadline, Progress: g.Progress})
		}
		resp, err := s.Advice.RequestAdvice(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type feedbackDTO struct {
	AdviceID string `json:"advice_id" validate:"required,max=64"`
	Kind     string `json:"kind" validate:"required,oneof=helpful too_easy too_hard"`
	Comment  string `json:"comment" validate:"max=1000"`
}

// FeedbackHandler serves POST /v1/feedback.
func (s *Server) FeedbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto feedbackDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		ev, err := s.Feedback.Record(r.Context(), dto.AdviceID, domain.FeedbackKind(dto.Kind), dto.Comment)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": ev.ID, "recorded_at": ev.Timestamp})
	}
}

type credentialDTO struct {
	Key string `json:"key" validate:"required,max=256"`
}

// CredentialPutHandler serves PUT /v1/credential.
func (s *Server) CredentialPutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var dto credentialDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(dto); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		strength, err := s.Advice.SetCredential(r.Context(), dto.Key)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   s.Advice.Credential(),
			"strength": strength,
		})
	}
}

// CredentialDeleteHandler serves DELETE /v1/credential.
func (s *Server) CredentialDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Advice.ClearCredential(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}
}

// CredentialStatusHandler serves GET /v1/credential.
func (s *Server) CredentialStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.Advice.Credential())
	}
}

// HistoryHandler serves GET /v1/advice/history, optionally filtered by ?q=.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		var (
			items []domain.AdviceResult
			err   error
		)
		if q == "" {
			items, err = s.Feedback.History(r.Context())
		} else {
			items, err = s.Feedback.SearchHistory(r.Context(), q)
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if items == nil {
			items = []domain.AdviceResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

// ProgressHandler serves GET /v1/progress.
func (s *Server) ProgressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Feedback.Progress(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		done, kind, err := s.Feedback.TodayCompleted(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stats":          stats,
			"today_complete": done,
			"today_feedback": kind,
		})
	}
}

// ReadyzHandler reports readiness of the KV backend.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.RedisCheck != nil {
			if err := s.RedisCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "redis": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	}
}
