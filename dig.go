// Package dig is the public API for embedding the DIG event store server.
//
// DIG records the decision trace of software changes (sessions, AI
// interactions, changes, rollouts, outcomes and learnings) in an
// append-only log and serves production survival rates and learning
// matches over HTTP and MCP:
//
//	app, err := dig.New(
//	    dig.WithVersion(version),
//	    dig.WithLogger(logger),
//	    dig.WithMiddleware(myAccessLog),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round.
package dig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/dig/api"
	"github.com/ashita-ai/dig/internal/auth"
	"github.com/ashita-ai/dig/internal/config"
	"github.com/ashita-ai/dig/internal/mcp"
	"github.com/ashita-ai/dig/internal/ratelimit"
	"github.com/ashita-ai/dig/internal/server"
	"github.com/ashita-ai/dig/internal/service/correlation"
	"github.com/ashita-ai/dig/internal/service/datahealth"
	"github.com/ashita-ai/dig/internal/service/ingest"
	"github.com/ashita-ai/dig/internal/service/learnings"
	"github.com/ashita-ai/dig/internal/service/psr"
	"github.com/ashita-ai/dig/internal/storage"
	"github.com/ashita-ai/dig/internal/telemetry"
)

// App is the DIG server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	worker       *learnings.Worker // nil when learning derivation is off
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It opens the store (running migrations for
// SQL backends), wires every subsystem and returns a ready-to-run App. It
// does not start goroutines or accept connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeDSN != "" {
		cfg.StoreDSN = o.storeDSN
	}
	if o.learningInterval != nil {
		cfg.LearningInterval = *o.learningInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("dig starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(ctx, cfg.StoreDSN, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("store opened", "backend", store.Backend())
	if err := telemetry.ObserveInt64("dig/storage", "dig.store.latest_sequence",
		"Highest ingestion sequence in the store.", store.LatestSequence); err != nil {
		logger.Warn("store gauge not registered", "error", err)
	}

	fail := func(err error) (*App, error) {
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, err
	}

	// Auth is on only when API keys are configured.
	var (
		keyring *auth.Keyring
		jwtMgr  *auth.JWTManager
	)
	if cfg.AuthEnabled() {
		creds := make([]auth.Credential, len(cfg.APIKeys))
		for i, k := range cfg.APIKeys {
			creds[i] = auth.Credential{Name: k.Name, Role: k.Role, Key: k.Key}
		}
		if keyring, err = auth.NewKeyring(creds); err != nil {
			return fail(fmt.Errorf("auth: %w", err))
		}
		if jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration); err != nil {
			return fail(fmt.Errorf("auth: %w", err))
		}
		logger.Info("auth: enabled", "credentials", keyring.Len())
	}

	// Services.
	prodEnv := cfg.ProductionEnvironment
	ingestSvc := ingest.New(store, logger)
	correlationSvc := correlation.New(store, logger, prodEnv)
	psrSvc := psr.New(store, logger, psr.Config{
		ProductionEnvironment: prodEnv,
		MinSampleSize:         cfg.PSRMinSample,
		Timeout:               cfg.AggregationTimeout,
	})
	matcher := learnings.NewMatcher(store, logger)
	healthSvc := datahealth.New(store, logger, prodEnv)

	// Learning derivation.
	var worker *learnings.Worker
	if cfg.LearningInterval > 0 {
		scorer := learnings.Scorer(learnings.DefaultScorer)
		if o.scorer != nil {
			scorer = learnings.Scorer(o.scorer)
		}
		deriver := learnings.NewDeriver(psrSvc, matcher, ingestSvc, logger, learnings.DeriverConfig{
			Dimensions:    cfg.LearningDimensions,
			MinSampleSize: cfg.LearningMinSample,
			MinDelta:      cfg.LearningMinDelta,
			Scorer:        scorer,
		})
		worker = learnings.NewWorker(deriver, logger, cfg.LearningInterval, cfg.AggregationTimeout)
		logger.Info("learning deriver: enabled",
			"interval", cfg.LearningInterval, "dimensions", cfg.LearningDimensions)
	} else {
		logger.Info("learning deriver: disabled (DIG_LEARNING_INTERVAL=0)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(mcp.Deps{
		Store:       store,
		Ingest:      ingestSvc,
		Correlation: correlationSvc,
		PSR:         psrSvc,
		Matcher:     matcher,
		DataHealth:  healthSvc,
	}, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Ingest:              ingestSvc,
		Correlation:         correlationSvc,
		PSR:                 psrSvc,
		Matcher:             matcher,
		DataHealth:          healthSvc,
		Logger:              logger,
		Keyring:             keyring,
		JWTMgr:              jwtMgr,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Middlewares:         middlewares,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		worker:       worker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for mounting DIG inside another
// server or for tests. Background work still needs Run.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the learning worker and the HTTP server, then blocks until ctx
// is cancelled or the server fails. On return the App is shut down; callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.worker != nil {
		a.worker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Detached from ctx, which is already done.
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains in-flight HTTP requests, lets the learning worker finish
// its current pass, then closes the store and telemetry providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("dig shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	defer httpCancel()
	var errs []error
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if a.worker != nil {
		workerCtx, workerCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		a.worker.Drain(workerCtx)
		workerCancel()
	}

	_ = a.limiter.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("dig stopped")
	return errors.Join(errs...)
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
