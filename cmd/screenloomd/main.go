// Command screenloomd is the daemon: it wires every collaborator in
// dependency order, serves the §6.1 request/response surface and the §6.4
// monitoring dashboard over HTTP, and tears everything down in reverse
// order on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/api"
	"screenloom/internal/backpressure"
	"screenloom/internal/batching"
	"screenloom/internal/bus"
	"screenloom/internal/capture"
	"screenloom/internal/config"
	"screenloom/internal/monitoring"
	"screenloom/internal/observability"
	"screenloom/internal/reconcile"
	"screenloom/internal/search"
	"screenloom/internal/stages/activity"
	"screenloom/internal/stages/embed"
	"screenloom/internal/stages/ocr"
	"screenloom/internal/stages/text"
	"screenloom/internal/stages/vlm"
	"screenloom/internal/store"
	"screenloom/internal/usage"
	"screenloom/internal/vectorindex"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("screenloomd")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()
	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, shutdownOTel, err := observability.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn().Err(err).Msg("otel init failed, continuing without telemetry")
		shutdownOTel = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTel(context.Background()) }()

	// Storage layer first: every later collaborator either claims rows
	// from it directly or is handed it to do so.
	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("close store")
		}
	}()

	b := bus.New()

	rt := airuntime.New(airuntime.Config{
		InitialLimit:             cfg.Runtime.InitialLimit,
		MaxLimit:                 cfg.Runtime.MaxLimit,
		SuccessStreakForIncrease: cfg.Runtime.SuccessStreakForIncrease,
		FailureWindow:            cfg.Runtime.FailureWindow,
		FailureThresholdToTrip:   cfg.Runtime.FailureThresholdToTrip,
		SemaphoreWaitAlertAfter:  cfg.Runtime.SemaphoreWaitAlertAfter,
	}, b)

	idx, err := vectorindex.Open(ctx, vectorindex.Config{
		DSN:           cfg.VectorIndex.DSN,
		Collection:    cfg.VectorIndex.Collection,
		Dimension:     cfg.VectorIndex.Dimension,
		Metric:        cfg.VectorIndex.Metric,
		FlushInterval: cfg.VectorIndex.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer func() {
		if cerr := idx.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("close vector index")
		}
	}()

	rec := usage.New(st, b, 256)

	vlmTextModel := cfg.Providers.AnthropicModel
	if cfg.Providers.VLMProvider == "openai" {
		vlmTextModel = cfg.Providers.OpenAIVLMModel
	}
	apiKey := cfg.Providers.AnthropicAPIKey
	if cfg.Providers.VLMProvider == "openai" {
		apiKey = cfg.Providers.OpenAIAPIKey
	}
	vlmText, err := aiproviders.BuildVLMText(cfg.Providers.VLMProvider, apiKey, vlmTextModel)
	if err != nil {
		return fmt.Errorf("build vlm/text provider: %w", err)
	}
	embedder := aiproviders.BuildEmbedding(aiproviders.EmbeddingHTTPConfig{
		BaseURL:   cfg.Providers.EmbeddingBaseURL,
		Path:      cfg.Providers.EmbeddingPath,
		Model:     cfg.Providers.EmbeddingModel,
		APIKey:    cfg.Providers.EmbeddingAPIKey,
		APIHeader: cfg.Providers.EmbeddingAPIHeader,
		Timeout:   time.Duration(cfg.Providers.EmbeddingTimeoutSeconds) * time.Second,
	})

	// Platform OCR ships no in-process engine (genuinely external per
	// aiproviders' own doc comment); the OCR stage is left unwired below so
	// the reconcile loop simply never dispatches OCR work.
	var ocrStage *ocr.Stage

	vlmStage := vlm.New(st, rt, vlmText.VLM, rec, b, vlm.Config{
		Timeout:            cfg.Runtime.VLMTimeout,
		RetentionTTL:       30 * 24 * time.Hour,
		SupportedLanguages: cfg.OCR.SupportedLanguages,
	})
	mergeStage := text.NewMergeStage(st, rt, vlmText.Text, rec, text.MergeConfig{
		CandidateWindow: 2 * time.Hour,
		CandidateLimit:  20,
		Timeout:         cfg.Runtime.TextTimeout,
		MaxAttempts:     cfg.Reconcile.MaxAttempts,
	})
	threadStage := text.NewThreadStage(st, rt, vlmText.Text, rec, text.ThreadConfig{
		ActiveThreadLimit:    20,
		RecentNodesPerThread: 5,
		Timeout:              cfg.Runtime.TextTimeout,
	})
	embedStage := embed.New(st, rt, embedder, idx, rec, embed.Config{
		Timeout:     cfg.Runtime.EmbeddingTimeout,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
	})
	activityStage := activity.New(st, rt, vlmText.Text, rec, b, activity.Config{
		WindowSize:           cfg.Activity.WindowSize,
		LongEventThreshold:   cfg.Activity.LongEventThreshold,
		ChangeDebounce:       cfg.Activity.ChangeDebounce,
		MaxDetailsNodes:      cfg.Activity.MaxDetailsNodes,
		MaxDetailsCharBudget: cfg.Activity.MaxDetailsCharBudget,
		Timeout:              cfg.Runtime.TextTimeout,
		MaxAttempts:          cfg.Reconcile.MaxAttempts,
	})

	batcher := batching.New(st, batching.Limits{
		MaxBatchSize: cfg.Capture.MaxBatchSize,
		MaxBatchAge:  cfg.Capture.MaxBatchAge,
		ShardSize:    8,
	})

	loop := reconcile.New(st, b, rt, reconcile.Stages{
		VLM:      vlmStage,
		Merge:    mergeStage,
		Threads:  threadStage,
		Embed:    embedStage,
		OCR:      ocrStage,
		Activity: activityStage,
		Batcher:  batcher,
	}, cfg.Reconcile)
	loop.Start(ctx)
	defer loop.Stop()

	// The platform screen/window capture backend is supplied externally
	// (capture.CaptureSource's own doc comment); no sources are registered
	// here, so the scheduler idles until a deployment wires one in.
	sched := capture.New(st, b, cfg.Capture.BaseInterval, cfg.TempDir(), nil)
	defer sched.Stop()

	bp := backpressure.New(st, b, sched, backpressure.Thresholds{
		Warning:         cfg.Backpressure.WarningBacklog,
		Hot:             cfg.Backpressure.HotBacklog,
		Critical:        cfg.Backpressure.CriticalBacklog,
		HysteresisFloor: cfg.Backpressure.HysteresisFloor,
		PollInterval:    cfg.Backpressure.PollInterval,
	})
	bp.Start(ctx)
	defer bp.Stop()

	var reranker search.Reranker
	if cfg.Search.RerankEnabled {
		reranker = search.NewLLMReranker(vlmText.Text, rt, rec, cfg.Search.Timeout)
	}
	engine := search.New(st, idx, embedder, reranker, cfg.Search)
	if cfg.Search.FTSHealthCheckOnBoot {
		if err := engine.CheckHealth(ctx); err != nil {
			log.Warn().Err(err).Msg("search index health check failed at boot; degrading to vector-only")
		}
	}

	handlers := api.Handlers{
		Capture:  api.NewCaptureHandlers(ctx, sched, b),
		Context:  api.NewContextHandlers(engine),
		Activity: api.NewActivityHandlers(st, activityStage),
		Threads:  api.NewThreadHandlers(st),
	}

	mon := monitoring.New(b, cfg.Monitor, nil)
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start monitoring server: %w", err)
	}
	defer func() {
		if cerr := mon.Stop(context.Background()); cerr != nil {
			log.Error().Err(cerr).Msg("stop monitoring server")
		}
	}()
	handlers.Monitoring = api.NewMonitoringHandlers(mon)

	e := echo.New()
	e.HideBanner = true
	api.RegisterRoutes(e, handlers)

	srv := &http.Server{Addr: cfg.APIListenAddr, Handler: e}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info().Str("addr", cfg.APIListenAddr).Msg("screenloomd listening")

	select {
	case <-ctx.Done():
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Error().Err(err).Msg("api server shutdown")
		}
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
	}

	log.Info().Msg("screenloomd stopped")
	return nil
}
