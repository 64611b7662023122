// Command server starts the coachline advice HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skillforge/coachline/internal/adapter/ai/codec"
	"github.com/skillforge/coachline/internal/adapter/ai/dispatch"
	"github.com/skillforge/coachline/internal/adapter/ai/live"
	"github.com/skillforge/coachline/internal/adapter/ai/vault"
	"github.com/skillforge/coachline/internal/adapter/cache"
	"github.com/skillforge/coachline/internal/adapter/fallback"
	httpserver "github.com/skillforge/coachline/internal/adapter/httpserver"
	"github.com/skillforge/coachline/internal/adapter/kvstore/rediskv"
	"github.com/skillforge/coachline/internal/adapter/observability"
	"github.com/skillforge/coachline/internal/app"
	"github.com/skillforge/coachline/internal/config"
	"github.com/skillforge/coachline/internal/domain"
	"github.com/skillforge/coachline/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, provider, and pipeline instrumentation.
	observability.InitMetrics()

	ctx := context.Background()
	clock := domain.ClockFunc(time.Now)

	kv, err := rediskv.Dial(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("failed to close kv store", slog.Any("error", err))
		}
	}()

	// Outbound provider path: prompt builder, paced dispatcher, live client.
	builder := codec.NewBuilder(cfg.PromptTokenBudget, logger)
	dispatcher := dispatch.New(cfg.DispatchMinInterval, cfg.CallTimeout, logger)
	gen := live.New(cfg, builder, dispatcher, logger)

	// Credential vault loads the persisted key and pushes it to the client.
	v := vault.New(ctx, kv, clock, logger, cfg.CredentialMinLength, cfg.CredentialStaleAge)
	v.Register(gen)

	advCache := cache.New(kv, clock, logger, cfg.CacheTTL, cfg.CacheMaxEntries)
	selector, err := fallback.New()
	if err != nil {
		slog.Error("fallback pool load failed", slog.Any("error", err))
		os.Exit(1)
	}

	esc := usecase.NewEscalation(cfg.SilentRetryDelay, cfg.OverloadRetryAfter, clock, logger)
	feedbackSvc := usecase.NewFeedbackService(kv, clock, logger)
	adviceSvc := usecase.NewAdviceService(clock, logger, v, gen, advCache, selector, esc, feedbackSvc)

	srv := httpserver.NewServer(cfg, adviceSvc, feedbackSvc, kv.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		slog.Error("dispatcher drain failed", slog.Any("error", err))
	}
}
