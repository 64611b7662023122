package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/skillforge/coachline/internal/domain"
)

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedAnyRe  = regexp.MustCompile("(?s)```\\s*(.*?)```")
)

// markerKeys identify a brace span that plausibly holds the payload when
// the model buried it in surrounding prose.
var markerKeys = []string{`"headline"`, `"weeks"`}

// ExtractStructuredBlock pulls the JSON object out of raw model output.
// Candidates are tried in order: fenced ```json block, any fenced block,
// a brace span containing a marker key, then the whole text. Each
// candidate gets one brace-balance repair attempt before moving on.
func ExtractStructuredBlock(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &domain.ParseError{Text: raw, Err: fmt.Errorf("empty response text")}
	}

	var candidates []string
	if m := fencedJSONRe.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := fencedAnyRe.FindStringSubmatch(trimmed); m != nil {
		candidates = append(candidates, m[1])
	}
	if span := markedBraceSpan(trimmed); span != "" {
		candidates = append(candidates, span)
	}
	candidates = append(candidates, trimmed)

	var lastErr error
	for _, c := range candidates {
		obj, err := decodeWithRepair(c)
		if err == nil {
			return obj, nil
		}
		lastErr = err
	}
	return nil, &domain.ParseError{Text: raw, Err: lastErr}
}

// markedBraceSpan finds the first balanced {...} span whose content
// includes one of the marker keys.
func markedBraceSpan(text string) string {
	for start := strings.Index(text, "{"); start >= 0; {
		depth := 0
		end := -1
		for i := start; i < len(text); i++ {
			switch text[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			// Unbalanced tail; hand the whole remainder to the repair pass.
			return text[start:]
		}
		span := text[start : end+1]
		for _, key := range markerKeys {
			if strings.Contains(span, key) {
				return span
			}
		}
		next := strings.Index(text[end+1:], "{")
		if next < 0 {
			return ""
		}
		start = end + 1 + next
	}
	return ""
}

// decodeWithRepair decodes a candidate as a JSON object, appending missing
// closing braces once when the text is truncated mid-object.
func decodeWithRepair(candidate string) (map[string]any, error) {
	candidate = strings.TrimSpace(candidate)
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, nil
	}
	open := strings.Count(candidate, "{")
	closed := strings.Count(candidate, "}")
	if open > closed {
		repaired := candidate + strings.Repeat("}", open-closed)
		if err := json.Unmarshal([]byte(repaired), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("candidate is not a JSON object")
}

// DecodeAdvice validates the extracted object against the advice schema
// and maps its fields. Legacy field aliases from older prompt revisions
// are accepted.
func DecodeAdvice(obj map[string]any) (domain.AdviceResult, error) {
	headline := stringField(obj, "headline")
	body := stringField(obj, "body", "coreContent")
	action := stringField(obj, "actionStep", "practicalStep")

	var missing []string
	if headline == "" {
		missing = append(missing, "headline")
	}
	if body == "" {
		missing = append(missing, "body")
	}
	if action == "" {
		missing = append(missing, "actionStep")
	}
	if len(missing) > 0 {
		return domain.AdviceResult{}, fmt.Errorf("%w: %s", domain.ErrMissingFields, strings.Join(missing, ", "))
	}
	return domain.AdviceResult{Headline: headline, Body: body, ActionStep: action}, nil
}

func stringField(obj map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := obj[n].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
