// Package live implements the real provider client. Every outbound call
// flows through the shared dispatcher slot; retries with backoff happen
// inside that slot so pacing between distinct requests is preserved.
package live

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/skillforge/coachline/internal/adapter/ai/codec"
	"github.com/skillforge/coachline/internal/adapter/ai/dispatch"
	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/config"
	"github.com/skillforge/coachline/internal/domain"
)

const maxBodySnippet = 512

// Client sends codec envelopes over HTTP with retry inside the dispatcher
// slot. The credential arrives via vault propagation, never from config.
type Client struct {
	cfg        config.Config
	family     codec.Family
	builder    *codec.Builder
	dispatcher *dispatch.Dispatcher
	hc         *http.Client
	log        *slog.Logger

	mu  sync.RWMutex
	key string
}

// New constructs a live client for the configured provider family.
func New(cfg config.Config, builder *codec.Builder, dispatcher *dispatch.Dispatcher, log *slog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		family:     codec.Family(cfg.ProviderFamily),
		builder:    builder,
		dispatcher: dispatcher,
		hc:         &http.Client{Timeout: cfg.CallTimeout + 5*time.Second},
		log:        log,
	}
}

// SetKey and ClearKey make Client a vault dependent.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

// ClearKey drops the in-memory credential copy.
func (c *Client) ClearKey() {
	c.mu.Lock()
	c.key = ""
	c.mu.Unlock()
}

func (c *Client) currentKey() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == "" {
		return "", domain.ErrNotConfigured
	}
	return c.key, nil
}

func (c *Client) options() codec.Options {
	switch c.family {
	case codec.FamilyOpenAI:
		return codec.Options{BaseURL: c.cfg.OpenAIBaseURL, Model: c.cfg.OpenAIModel, MaxOutputTokens: c.cfg.MaxOutputTokens}
	case codec.FamilyAnthropic:
		return codec.Options{BaseURL: c.cfg.AnthropicBaseURL, Model: c.cfg.AnthropicModel, MaxOutputTokens: c.cfg.MaxOutputTokens}
	default:
		return codec.Options{BaseURL: c.cfg.GeminiBaseURL, Model: c.cfg.GeminiModel, MaxOutputTokens: c.cfg.MaxOutputTokens}
	}
}

// GenerateText renders the template and returns the provider's raw text.
// The call occupies one dispatcher slot end to end, retries included.
func (c *Client) GenerateText(ctx context.Context, tpl codec.Template, req domain.AdviceRequest) (string, error) {
	key, err := c.currentKey()
	if err != nil {
		return "", err
	}
	prompt, err := c.builder.Build(tpl, req)
	if err != nil {
		return "", err
	}
	env, err := codec.BuildRequest(c.family, c.options(), prompt, key)
	if err != nil {
		return "", err
	}
	return c.dispatcher.Do(ctx, 0, func(callCtx context.Context) (string, error) {
		return c.send(callCtx, env)
	})
}

// TestConnection issues a minimal round trip to verify the credential and
// endpoint, using a short timeout override.
func (c *Client) TestConnection(ctx context.Context) error {
	key, err := c.currentKey()
	if err != nil {
		return err
	}
	prompt, err := c.builder.Build(codec.TemplateConnectionTest, domain.AdviceRequest{})
	if err != nil {
		return err
	}
	env, err := codec.BuildRequest(c.family, c.options(), prompt, key)
	if err != nil {
		return err
	}
	_, err = c.dispatcher.Do(ctx, 10*time.Second, func(callCtx context.Context) (string, error) {
		return c.send(callCtx, env)
	})
	return err
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// send performs the HTTP exchange with retry. 429 and 5xx are retryable,
// other 4xx are permanent.
func (c *Client) send(ctx context.Context, env codec.Envelope) (string, error) {
	provider := string(c.family)
	var text string
	start := time.Now()
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, env.Method, env.URL, bytes.NewReader(env.Body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("op=live.send: %w", err))
		}
		for k, v := range env.Headers {
			req.Header.Set(k, v)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			c.log.Warn("provider request failed", slog.String("provider", provider), slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			c.log.Warn("provider rate limited", slog.String("provider", provider), slog.Int("status", resp.StatusCode))
			if wait := retryAfter(resp); wait > 0 {
				c.waitRetryAfter(ctx, wait)
			}
			return &domain.StatusError{Status: resp.StatusCode, Message: bodySnippet(resp.Body)}
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := bodySnippet(resp.Body)
			c.log.Warn("provider 4xx", slog.String("provider", provider), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return backoff.Permanent(&domain.StatusError{Status: resp.StatusCode, Message: snippet})
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := bodySnippet(resp.Body)
			c.log.Error("provider non-2xx", slog.String("provider", provider), slog.Int("status", resp.StatusCode), slog.String("body", snippet))
			return &domain.StatusError{Status: resp.StatusCode, Message: snippet}
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("op=live.send read body: %w", err)
		}
		out, err := codec.ExtractText(c.family, raw)
		if err != nil {
			return backoff.Permanent(err)
		}
		text = out
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(c.getBackoffConfig(), ctx))
	observability.AIRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.AIRequestsTotal.WithLabelValues(provider, "error").Inc()
		return "", err
	}
	observability.AIRequestsTotal.WithLabelValues(provider, "ok").Inc()
	return text, nil
}

// waitRetryAfter honors the server's Retry-After within the call context,
// capped so a hostile header cannot pin the slot.
func (c *Client) waitRetryAfter(ctx context.Context, wait time.Duration) {
	const maxWait = 30 * time.Second
	if wait > maxWait {
		wait = maxWait
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func bodySnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxBodySnippet))
	return string(b)
}
