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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	gateway "github.com/sigil-ai/sigil/internal"
	"github.com/sigil-ai/sigil/internal/app"
	"github.com/sigil-ai/sigil/internal/attestation"
	"github.com/sigil-ai/sigil/internal/auth"
	"github.com/sigil-ai/sigil/internal/config"
	"github.com/sigil-ai/sigil/internal/credit"
	"github.com/sigil-ai/sigil/internal/keystore"
	"github.com/sigil-ai/sigil/internal/nuc"
	"github.com/sigil-ai/sigil/internal/rag"
	"github.com/sigil-ai/sigil/internal/ratelimit"
	"github.com/sigil-ai/sigil/internal/registry"
	"github.com/sigil-ai/sigil/internal/search"
	"github.com/sigil-ai/sigil/internal/server"
	"github.com/sigil-ai/sigil/internal/storage/postgres"
	"github.com/sigil-ai/sigil/internal/telemetry"
	"github.com/sigil-ai/sigil/internal/tools"
	"github.com/sigil-ai/sigil/internal/upstream"
	"github.com/sigil-ai/sigil/internal/vault"
	"github.com/sigil-ai/sigil/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("starting sigil", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Redis: registry leases, rate-limit buckets, concurrency gauges.
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	newRDB := func() redis.UniversalClient { return redis.NewClient(redisOpts) }

	// Postgres: users, query logs, retrieval chunks. Migrations run here.
	store, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	// Service signing key. Generated on first start.
	keys, err := keystore.Load(cfg.Auth.KeyPath)
	if err != nil {
		return err
	}
	logger.Info("service identity", "did", keys.DID().String())

	trustedRoots := make([]nuc.DID, 0, len(cfg.Auth.TrustedRootIssuers))
	for _, s := range cfg.Auth.TrustedRootIssuers {
		did, err := nuc.ParseDID(s)
		if err != nil {
			return fmt.Errorf("trusted root issuer %q: %w", s, err)
		}
		trustedRoots = append(trustedRoots, did)
	}

	creditClient := credit.NewClient(cfg.Auth.Credit.URL, cfg.Auth.Credit.Token,
		cfg.Auth.Credit.Timeout, nil)

	authn, err := auth.New(auth.Config{
		Strategy:      cfg.Auth.Strategy,
		DocsToken:     cfg.Auth.DocsToken,
		ServiceDID:    keys.DID(),
		TrustedRoots:  trustedRoots,
		Credit:        creditClient,
		Users:         store,
		DefaultLimits: defaultLimits(cfg.RateLimits),
	})
	if err != nil {
		return err
	}

	models := registry.New(rdb, logger, newRDB)
	limiter := ratelimit.New(rdb, ratelimit.Config{
		WebSearchRPS:           cfg.WebSearch.RPS,
		WebSearchMaxConcurrent: cfg.WebSearch.MaxConcurrent,
		WebSearchPerQueryCount: cfg.WebSearch.Count,
		ConcurrentLimits:       cfg.RateLimits.ConcurrentPerModel,
		ConcurrentDefault:      cfg.RateLimits.ConcurrentDefault,
	})

	dispatcher := upstream.New(nil)
	searcher := search.New(cfg.WebSearch, dispatcher, logger)
	enricher := rag.New(rag.NewHTTPEmbedder(cfg.RAG.EmbedderURL, 30*time.Second),
		store, cfg.RAG.TopK, logger)
	toolRunner := tools.NewRunner(dispatcher,
		tools.NewHTTPSandbox(cfg.Sandbox.URL, cfg.Sandbox.Timeout), logger)
	vaultClient := vault.New(cfg.Vault.URL, cfg.Vault.Timeout, keys)
	attester := attestation.New(cfg.Attestation.URL, cfg.Attestation.Timeout)

	recorder := worker.NewLogRecorder(store)

	// Backends listed in config are registered here and kept alive for as
	// long as the process runs.
	workers := []worker.Worker{recorder}
	for _, m := range cfg.Models {
		ep := &gateway.ModelEndpoint{
			Metadata: gateway.ModelMetadata{
				ID:                m.ID,
				Name:              m.Name,
				SupportedFeatures: m.SupportedFeatures,
				ToolSupport:       m.ToolSupport,
				MultimodalSupport: m.MultimodalSupport,
			},
			URL: m.URL,
		}
		if err := models.Register(ctx, ep); err != nil {
			return fmt.Errorf("register model %s: %w", m.ID, err)
		}
		workers = append(workers, worker.Func("model_keepalive:"+m.ID,
			func(ctx context.Context) error { return models.KeepAlive(ctx, ep) }))
	}

	chatSvc := app.NewChatService(app.Deps{
		Models:   models,
		Limiter:  limiter,
		Credit:   creditClient,
		Vault:    vaultClient,
		RAG:      enricher,
		Search:   searcher,
		Upstream: dispatcher,
		Tools:    toolRunner,
		Keys:     keys,
		Recorder: recorder,
		Logs:     store,
		Log:      logger,
	})

	var (
		metrics    *telemetry.Metrics
		promGather prometheus.Gatherer
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(reg)
		promGather = reg
	}

	handler := server.New(server.Deps{
		Auth:        authn,
		Chat:        chatSvc,
		Models:      models,
		Usage:       store,
		Attestation: attester,
		Vault:       vaultClient,
		PublicKey:   keys.PublicKeyB64(),
		DID:         keys.DID().String(),
		ReadyChecks: map[string]server.ReadyChecker{
			"database": store.Ping,
			"registry": func(ctx context.Context) error {
				n, err := models.Count(ctx)
				if err != nil {
					return err
				}
				if n == 0 {
					return errors.New("no live model registrations")
				}
				return nil
			},
		},
		Metrics:        metrics,
		PromGather:     promGather,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays unset: SSE streams outlive any fixed budget.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := worker.NewRunner(workers...).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	logger.Info("sigil ready", "addr", cfg.Server.Addr, "models", len(cfg.Models))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Drop the registry leases immediately so discovery never serves an
	// endpoint that just went away.
	for _, m := range cfg.Models {
		if err := models.Unregister(shutdownCtx, m.ID); err != nil {
			logger.Warn("unregister model", "model", m.ID, "error", err)
		}
	}

	logger.Info("sigil stopped")
	return nil
}

// defaultLimits translates config integers into the optional per-bucket
// limits, where zero means unlimited.
func defaultLimits(c config.RateLimitConfig) gateway.RateLimits {
	return gateway.RateLimits{
		UserMinute:      config.Limit(c.UserMinute),
		UserHour:        config.Limit(c.UserHour),
		UserDay:         config.Limit(c.UserDay),
		User:            config.Limit(c.User),
		WebSearchMinute: config.Limit(c.WebSearchMinute),
		WebSearchHour:   config.Limit(c.WebSearchHour),
		WebSearchDay:    config.Limit(c.WebSearchDay),
		WebSearch:       config.Limit(c.WebSearch),
	}
}
