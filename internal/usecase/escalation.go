// Package usecase contains the advice pipeline services.
package usecase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/domain"
)

// Notice is what the caller may surface after a failed generation attempt.
// A silent notice carries no message; the retry is already scheduled.
type Notice struct {
	Class   domain.ErrorClass `json:"class,omitempty"`
	Message string            `json:"message,omitempty"`
	RetryIn time.Duration     `json:"retry_in,omitempty"`
	Silent  bool              `json:"silent"`
}

// CountdownListener observes the overload auto-retry countdown.
type CountdownListener interface {
	Tick(remaining time.Duration)
	Done()
}

// Escalation tracks consecutive generation failures and schedules the
// recovery actions for each failure class. A success cancels everything
// pending.
type Escalation struct {
	silentDelay   time.Duration
	overloadDelay time.Duration
	clock         domain.Clock
	log           *slog.Logger

	mu       sync.Mutex
	state    domain.FailureState
	retry    *time.Timer // pending silent or overload retry
	ticker   *time.Ticker
	stopTick chan struct{}
	listener CountdownListener
}

// NewEscalation constructs the controller.
func NewEscalation(silentDelay, overloadDelay time.Duration, clock domain.Clock, log *slog.Logger) *Escalation {
	return &Escalation{
		silentDelay:   silentDelay,
		overloadDelay: overloadDelay,
		clock:         clock,
		log:           log,
	}
}

// SetCountdownListener registers the observer for overload countdowns.
func (e *Escalation) SetCountdownListener(l CountdownListener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

// State returns a copy of the failure state.
func (e *Escalation) State() domain.FailureState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RecordSuccess resets the failure counter and cancels any pending retry
// or countdown.
func (e *Escalation) RecordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.ConsecutiveFailures = 0
	e.state.LastSuccessAt = e.clock.Now()
	e.state.LastErrorKind = ""
	e.cancelPendingLocked()
}

// RecordFailure classifies the error, schedules the class's recovery
// action, and returns what to show the user. The first failure in a run
// stays silent: retryFn fires once after the silent delay. From the second
// failure on, overload schedules retryFn after the countdown; the other
// classes leave recovery to the user.
func (e *Escalation) RecordFailure(err error, retryFn func()) Notice {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ConsecutiveFailures++
	class := domain.Classify(err)
	e.state.LastErrorKind = class
	observability.GenerationFailuresTotal.WithLabelValues(string(class)).Inc()
	e.cancelPendingLocked()

	if e.state.ConsecutiveFailures == 1 {
		e.log.Info("generation failed, scheduling silent retry",
			slog.String("class", string(class)), slog.Duration("delay", e.silentDelay), slog.Any("error", err))
		if retryFn != nil {
			e.retry = time.AfterFunc(e.silentDelay, retryFn)
		}
		return Notice{Silent: true, Class: class}
	}

	e.log.Warn("generation failed repeatedly",
		slog.Int("consecutive", e.state.ConsecutiveFailures), slog.String("class", string(class)), slog.Any("error", err))

	n := Notice{Class: class, Message: messageFor(class)}
	if class == domain.ClassOverload {
		n.RetryIn = e.overloadDelay
		if retryFn != nil {
			e.retry = time.AfterFunc(e.overloadDelay, retryFn)
		}
		e.startCountdownLocked()
	}
	return n
}

func messageFor(class domain.ErrorClass) string {
	switch class {
	case domain.ClassOverload:
		return "The advice service is temporarily over capacity. Retrying automatically in 60 seconds."
	case domain.ClassQuota:
		return "The daily usage limit for the AI provider has been reached. Try again in about an hour."
	case domain.ClassAuth:
		return "The stored API credential was rejected. Check and re-enter your API key."
	case domain.ClassNetwork:
		return "Could not reach the AI provider. Check your connection and try again."
	default:
		return "Advice generation failed. You can retry manually."
	}
}

// startCountdownLocked ticks the listener once per second until the
// overload delay elapses or a success cancels it.
func (e *Escalation) startCountdownLocked() {
	if e.listener == nil {
		return
	}
	remaining := e.overloadDelay
	e.ticker = time.NewTicker(time.Second)
	stop := make(chan struct{})
	e.stopTick = stop
	listener := e.listener
	ticker := e.ticker
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				remaining -= time.Second
				if remaining <= 0 {
					ticker.Stop()
					e.mu.Lock()
					if e.ticker == ticker {
						e.ticker = nil
						e.stopTick = nil
					}
					e.mu.Unlock()
					listener.Done()
					return
				}
				listener.Tick(remaining)
			}
		}
	}()
}

func (e *Escalation) cancelPendingLocked() {
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
	if e.stopTick != nil {
		close(e.stopTick)
		e.stopTick = nil
	}
}
