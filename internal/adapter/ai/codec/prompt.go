package codec

import (
	"fmt"
	"log/slog"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/skillforge/coachline/internal/domain"
)

// Template selects which prompt family to render.
type Template string

const (
	TemplateDailyAdvice    Template = "daily_advice"
	TemplateConnectionTest Template = "connection_test"
)

const maxFeedbackDigest = 10

// Builder renders prompt templates under a token budget. Trimming drops
// feedback digest lines first, since they are the least load-bearing part
// of the prompt.
type Builder struct {
	budget int
	log    *slog.Logger

	enc *tiktoken.Tiktoken
}

// NewBuilder constructs a Builder. A tiktoken load failure falls back to a
// character-based estimate rather than failing the pipeline.
func NewBuilder(budget int, log *slog.Logger) *Builder {
	b := &Builder{budget: budget, log: log}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Warn("tiktoken encoding unavailable, using character estimate", slog.Any("error", err))
	} else {
		b.enc = enc
	}
	return b
}

func (b *Builder) countTokens(text string) int {
	if b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	// Rough approximation: one token per four characters.
	return (len(text) + 3) / 4
}

// Build renders the named template. Unknown templates are an error.
func (b *Builder) Build(tpl Template, req domain.AdviceRequest) (string, error) {
	switch tpl {
	case TemplateConnectionTest:
		return "Reply with the single word OK.", nil
	case TemplateDailyAdvice:
		return b.buildDailyAdvice(req), nil
	default:
		return "", fmt.Errorf("%w: unknown prompt template %q", domain.ErrInvalidArgument, tpl)
	}
}

func (b *Builder) buildDailyAdvice(req domain.AdviceRequest) string {
	var sb strings.Builder
	sb.WriteString("You are a practical coach for competitive gamers. Produce one piece of daily advice as a single JSON object with exactly these fields: ")
	sb.WriteString(`"headline" (short title), "body" (2-4 sentences of concrete guidance), "actionStep" (one thing to do today).`)
	sb.WriteString(" Respond with JSON only, no surrounding prose.\n\n")

	fmt.Fprintf(&sb, "Player profile: category=%s, skill=%s.\n", req.Category, req.SkillLevel)
	if req.ContextLabel != "" {
		fmt.Fprintf(&sb, "Session context: %s.\n", req.ContextLabel)
	}

	if len(req.Goals) > 0 {
		sb.WriteString("Active goals:\n")
		for _, g := range req.Goals {
			fmt.Fprintf(&sb, "- %s", g.Title)
			if g.Detail != "" {
				fmt.Fprintf(&sb, ": %s", g.Detail)
			}
			if g.Deadline != "" {
				fmt.Fprintf(&sb, " (by %s)", g.Deadline)
			}
			fmt.Fprintf(&sb, " [%d%% done]\n", g.Progress)
		}
		sb.WriteString("Tie the advice to one of these goals when it fits naturally.\n")
	}

	digest := feedbackDigest(req.RecentFeedback)
	full := sb.String()
	for len(digest) > 0 && b.countTokens(full+digestBlock(digest)) > b.budget {
		digest = digest[:len(digest)-1]
	}
	if len(digest) > 0 {
		full += digestBlock(digest)
	}
	if b.countTokens(full) > b.budget {
		b.log.Warn("prompt exceeds token budget after trimming",
			slog.Int("tokens", b.countTokens(full)), slog.Int("budget", b.budget))
	}
	return full
}

func feedbackDigest(events []domain.FeedbackEvent) []string {
	var lines []string
	for _, ev := range events {
		if len(lines) == maxFeedbackDigest {
			break
		}
		line := fmt.Sprintf("- %s: %s", ev.Timestamp.UTC().Format("2006-01-02"), ev.Kind)
		if ev.Comment != "" {
			line += " (" + ev.Comment + ")"
		}
		lines = append(lines, line)
	}
	return lines
}

func digestBlock(lines []string) string {
	return "Recent reactions to past advice, newest first:\n" + strings.Join(lines, "\n") + "\n"
}
