package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNoContent         = errors.New("no content in provider response")
	ErrParseFailed       = errors.New("parse failed")
	ErrMissingFields     = errors.New("missing required fields")
	ErrTimedOut          = errors.New("timed out")
	ErrNotConfigured     = errors.New("credential not configured")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// ParseError carries the offending text alongside ErrParseFailed for
// diagnostics. Never returned with partial data.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	snippet := e.Text
	if len(snippet) > 256 {
		snippet = snippet[:256] + "..."
	}
	return fmt.Sprintf("%v: %q", e.Err, snippet)
}

func (e *ParseError) Unwrap() error { return ErrParseFailed }

// StatusError is a provider HTTP failure with its status code retained
// for classification.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider status %d", e.Status)
	}
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Message)
}

// Classify maps an arbitrary generation error onto an ErrorClass by
// status code and message inspection.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 503:
			return ClassOverload
		case se.Status == 429:
			return ClassQuota
		case se.Status == 401 || se.Status == 403:
			return ClassAuth
		}
	}
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrInvalidCredential) {
		return ClassAuth
	}
	if errors.Is(err, ErrTimedOut) || errors.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overload"), strings.Contains(msg, "capacity"), strings.Contains(msg, "unavailable"):
		return ClassOverload
	case strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "exceeded"):
		return ClassQuota
	case strings.Contains(msg, "api key"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"), strings.Contains(msg, "credential"):
		return ClassAuth
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "timeout"), strings.Contains(msg, "dial"):
		return ClassNetwork
	}
	return ClassUnknown
}
