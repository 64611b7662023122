// Package codec translates between the pipeline's neutral prompt/advice
// shapes and the wire formats of the supported AI provider families.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/skillforge/coachline/internal/domain"
)

// Family identifies a provider wire dialect.
type Family string

const (
	FamilyGemini    Family = "gemini"
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
)

// Envelope is a fully prepared provider request. The transport layer sends
// it verbatim; it never inspects provider specifics.
type Envelope struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Options carries per-family endpoint settings.
type Options struct {
	BaseURL         string
	Model           string
	MaxOutputTokens int
}

// BuildRequest assembles the provider envelope for a prompt. An unknown
// family yields an empty envelope and an error.
func BuildRequest(family Family, opts Options, prompt, apiKey string) (Envelope, error) {
	switch family {
	case FamilyGemini:
		return buildGemini(opts, prompt, apiKey)
	case FamilyOpenAI:
		return buildOpenAI(opts, prompt, apiKey)
	case FamilyAnthropic:
		return buildAnthropic(opts, prompt, apiKey)
	default:
		return Envelope{}, fmt.Errorf("%w: unknown provider family %q", domain.ErrInvalidArgument, family)
	}
}

func buildGemini(opts Options, prompt, apiKey string) (Envelope, error) {
	body, err := json.Marshal(map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"maxOutputTokens": opts.MaxOutputTokens,
			"temperature":     0.7,
		},
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("op=codec.buildGemini: %w", err)
	}
	return Envelope{
		URL:     fmt.Sprintf("%s/models/%s:generateContent?key=%s", opts.BaseURL, opts.Model, apiKey),
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}, nil
}

func buildOpenAI(opts Options, prompt, apiKey string) (Envelope, error) {
	body, err := json.Marshal(map[string]any{
		"model":      opts.Model,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens": opts.MaxOutputTokens,
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("op=codec.buildOpenAI: %w", err)
	}
	return Envelope{
		URL:    opts.BaseURL + "/chat/completions",
		Method: "POST",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + apiKey,
		},
		Body: body,
	}, nil
}

func buildAnthropic(opts Options, prompt, apiKey string) (Envelope, error) {
	body, err := json.Marshal(map[string]any{
		"model":      opts.Model,
		"max_tokens": opts.MaxOutputTokens,
		"messages":   []map[string]string{{"role": "user", "content": prompt}},
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("op=codec.buildAnthropic: %w", err)
	}
	return Envelope{
		URL:    opts.BaseURL + "/messages",
		Method: "POST",
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": "2023-06-01",
		},
		Body: body,
	}, nil
}

// ExtractText pulls the generated text out of a provider response body.
// A well-formed response with no text yields domain.ErrNoContent.
func ExtractText(family Family, body []byte) (string, error) {
	switch family {
	case FamilyGemini:
		var resp struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("op=codec.ExtractText family=gemini: %w", err)
		}
		if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 || resp.Candidates[0].Content.Parts[0].Text == "" {
			return "", fmt.Errorf("%w: gemini response had no candidate text", domain.ErrNoContent)
		}
		return resp.Candidates[0].Content.Parts[0].Text, nil
	case FamilyOpenAI:
		var resp struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("op=codec.ExtractText family=openai: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
			return "", fmt.Errorf("%w: openai response had no choice content", domain.ErrNoContent)
		}
		return resp.Choices[0].Message.Content, nil
	case FamilyAnthropic:
		var resp struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("op=codec.ExtractText family=anthropic: %w", err)
		}
		if len(resp.Content) == 0 || resp.Content[0].Text == "" {
			return "", fmt.Errorf("%w: anthropic response had no content blocks", domain.ErrNoContent)
		}
		return resp.Content[0].Text, nil
	default:
		return "", fmt.Errorf("%w: unknown provider family %q", domain.ErrInvalidArgument, family)
	}
}
