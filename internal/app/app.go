// Package app is the composition root: it reads configuration, connects
// to infrastructure, wires every component once, and runs the selected
// mode. Nothing here holds business logic; construction order and
// teardown order are the whole point of the file.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/voicecall/orchestrator/internal/audit"
	"github.com/voicecall/orchestrator/internal/config"
	"github.com/voicecall/orchestrator/internal/httpserver"
	"github.com/voicecall/orchestrator/internal/platform"
	"github.com/voicecall/orchestrator/internal/telemetry"
	"github.com/voicecall/orchestrator/internal/version"
	"github.com/voicecall/orchestrator/pkg/adminapi"
	"github.com/voicecall/orchestrator/pkg/batch"
	"github.com/voicecall/orchestrator/pkg/batchapi"
	"github.com/voicecall/orchestrator/pkg/callapi"
	"github.com/voicecall/orchestrator/pkg/dispatch"
	"github.com/voicecall/orchestrator/pkg/feature"
	"github.com/voicecall/orchestrator/pkg/ledger"
	"github.com/voicecall/orchestrator/pkg/notify"
	"github.com/voicecall/orchestrator/pkg/policy"
	"github.com/voicecall/orchestrator/pkg/provider"
	"github.com/voicecall/orchestrator/pkg/store"
	"github.com/voicecall/orchestrator/pkg/stream"
	"github.com/voicecall/orchestrator/pkg/tenant"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Tracing
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "orchestrator", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Run global migrations.
	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	core, err := buildCore(cfg, logger, db)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, core)
	case "worker":
		return runWorker(ctx, logger, rdb, core)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// conn is the per-request connection surface shared by every factory.
type conn interface {
	store.DBTX
	store.Beginner
}

// core holds the singletons shared by both modes: the feature resolver,
// policy checks, provider registry/router, the stream hub, the change
// notifier, the batch coordinator, and the per-connection factories.
type core struct {
	tenantRepo    *store.TenantRepo
	resolver      *feature.Resolver
	registry      *provider.Registry
	router        *provider.Router
	hub           *stream.Hub
	notifier      *notify.Notifier
	coordinator   *batch.Coordinator
	newDispatcher func(db conn) *dispatch.Dispatcher
	newLedger     func(db conn) *ledger.Ledger
	batchGate     *policy.Gate
}

func buildCore(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool) (*core, error) {
	tenantRepo := store.NewTenantRepo(db)
	resolver := feature.New(store.NewFeatureRepo(db), store.NewPlanRepo(db), telemetry.FeatureCacheResultTotal)

	// --- Policy checks ---

	// Feature check fails closed: a resolver error means "not enabled",
	// never an internal error surfaced to the caller.
	featureCheck := policy.FeatureCheck{
		IsEnabled: func(ctx context.Context, req policy.Request) (bool, error) {
			d, err := resolver.IsEnabled(ctx, req.TenantID, req.FeatureKey, req.SubjectID)
			if err != nil {
				logger.Warn("feature resolution failed, failing closed", "feature", req.FeatureKey, "error", err)
				return false, nil
			}
			return d.Enabled, nil
		},
	}

	allowedDays, err := parseAllowedDays(cfg.BusinessHoursAllowedDays)
	if err != nil {
		return nil, fmt.Errorf("parsing BUSINESS_HOURS_ALLOWED_DAYS: %w", err)
	}
	hoursCheck := policy.BusinessHoursCheck{
		ConfigFor: func(context.Context, uuid.UUID) (policy.BusinessHoursConfig, error) {
			return policy.BusinessHoursConfig{
				Start:       cfg.BusinessHoursStart,
				End:         cfg.BusinessHoursEnd,
				Timezone:    cfg.BusinessHoursTimezone,
				AllowedDays: allowedDays,
			}, nil
		},
		Disabled: func(context.Context, policy.Request) (bool, error) {
			return cfg.BusinessHoursDisabled, nil
		},
	}

	rateCheck := &policy.RateLimitCheck{PerMinute: cfg.RateLimitPerMinute}

	// The aggregate gate (batch intake) omits the credit check: the
	// credit minimum is advisory at batch level, enforced per entry.
	batchGate := policy.NewGate(featureCheck, hoursCheck, rateCheck)

	// --- Providers ---
	registry := provider.NewRegistry()
	providerTimeout := time.Duration(cfg.ProviderRequestTimeoutMS) * time.Millisecond
	if cfg.VAPIBaseURL != "" {
		registry.Register(provider.NewHTTPProvider("vapi", cfg.VAPIBaseURL, cfg.VAPIAPIKey, providerTimeout))
		logger.Info("vapi provider registered")
	}
	if cfg.LegacyProviderBaseURL != "" {
		registry.Register(provider.NewHTTPProvider("legacy", cfg.LegacyProviderBaseURL, cfg.LegacyProviderAPIKey, providerTimeout))
		logger.Info("legacy provider registered")
	}
	registry.Register(&provider.NoopProvider{Logger: logger})
	for _, id := range cfg.ProviderTemporaryDisable {
		registry.SetDisabled(id, true)
		logger.Info("provider temporarily disabled by config", "provider", id)
	}
	router := provider.NewRouter(registry, "vapi", []string{"vapi", "legacy", "noop"})

	// --- Factories ---
	newLedger := func(db conn) *ledger.Ledger {
		return ledger.New(db, logger, telemetry.LedgerOperationsTotal)
	}
	minCredits := int64(cfg.MinCreditsPerCall)
	newDispatcher := func(db conn) *dispatch.Dispatcher {
		// The credit check reads the wallet on the request's own scoped
		// connection, so the full gate is assembled per dispatcher.
		creditCheck := policy.CreditMinimumCheck{
			Minimum: minCredits,
			BalanceFor: func(ctx context.Context, req policy.Request) (int64, error) {
				return newLedger(db).Balance(ctx, req.TenantID)
			},
		}
		gate := policy.NewGate(featureCheck, hoursCheck, creditCheck, rateCheck)
		return dispatch.New(db, gate, router, minCredits, providerTimeout, logger,
			telemetry.CallsDispatchedTotal, telemetry.CallDispatchDuration)
	}

	// --- Stream hub, notifier, batch coordinator ---
	hub := stream.NewHub(stream.DefaultMailboxSize, logger, telemetry.StreamSubscribersGauge, telemetry.StreamMailboxDroppedTotal)

	notifier, err := notify.New(db, hub, cfg.ChangeNotifyChannels, logger, telemetry.NotifyReconnectsTotal)
	if err != nil {
		return nil, fmt.Errorf("building change notifier: %w", err)
	}

	coordinator := batch.New(batch.Config{
		Pool:          db,
		AggregateGate: batchGate,
		NewDispatcher: func(db batch.DB) *dispatch.Dispatcher { return newDispatcher(db) },
		NewLedger:     func(db batch.DB) *ledger.Ledger { return newLedger(db) },
		MinCredits:    minCredits,
		MaxParallel:   cfg.BatchMaxParallelPerBatch,
		Logger:        logger,
		Created:       telemetry.BatchesCreatedTotal,
		Entries:       telemetry.BatchEntriesProcessedTotal,
	})

	return &core{
		tenantRepo:    tenantRepo,
		resolver:      resolver,
		registry:      registry,
		router:        router,
		hub:           hub,
		notifier:      notifier,
		coordinator:   coordinator,
		newDispatcher: newDispatcher,
		newLedger:     newLedger,
		batchGate:     batchGate,
	}, nil
}

// parseAllowedDays parses "0,1,2" style weekday lists (0=Sunday).
func parseAllowedDays(raw string) (map[time.Weekday]bool, error) {
	out := make(map[time.Weekday]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		out[time.Weekday(n)] = true
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no allowed days configured")
	}
	return out, nil
}

// allowServiceCall reports whether a trusted internal caller may reach
// the path with just an x-tenant-id header (trusted internal service-call principals).
func allowServiceCall(r *http.Request) bool {
	return r.URL.Path == "/api/v1/calls/provider-callback"
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, core *core) error {
	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, core.tenantRepo, allowServiceCall)

	// Public status endpoint.
	srv.Router.Get("/status", srv.HandleStatus)

	// --- Domain handlers ---
	callHandler := callapi.NewHandler(logger, auditWriter, core.hub,
		func(db callapi.DB) *dispatch.Dispatcher { return core.newDispatcher(db) },
		func(db callapi.DB) *ledger.Ledger { return core.newLedger(db) },
		telemetry.PolicyRejectionsTotal)
	callHandler.Register(srv.APIRouter)

	batchHandler := batchapi.NewHandler(logger, auditWriter, core.coordinator)
	batchHandler.Register(srv.APIRouter)

	provisioner := &tenant.Provisioner{
		DB:            db,
		Store:         core.tenantRepo,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsTenantDir,
		Logger:        logger,
	}
	adminHandler := adminapi.NewHandler(logger, auditWriter, core.resolver, core.registry, provisioner, rdb,
		func(db adminapi.DB) *ledger.Ledger { return core.newLedger(db) })
	srv.APIRouter.Mount("/admin", adminHandler.Routes())

	// Real-time stream: auth happens in-stream, after headers commit.
	srv.StreamRouter.Get("/calls/stream", callHandler.HandleStream)

	// --- Background loops ---
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go func() {
		if err := core.notifier.Run(bgCtx); err != nil {
			logger.Error("change notifier exited", "error", err)
		}
	}()
	go func() {
		if err := core.coordinator.Run(bgCtx); err != nil {
			logger.Error("batch worker exited", "error", err)
		}
	}()
	go func() {
		if err := feature.RunInvalidationListener(bgCtx, rdb, core.resolver, logger); err != nil {
			logger.Error("feature invalidation listener exited", "error", err)
		}
	}()

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /calls/stream holds connections open
		// indefinitely; slow handlers are bounded by their own deadlines.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, rdb *redis.Client, core *core) error {
	logger.Info("worker started")

	go func() {
		if err := core.notifier.Run(ctx); err != nil {
			logger.Error("change notifier exited", "error", err)
		}
	}()
	go func() {
		if err := feature.RunInvalidationListener(ctx, rdb, core.resolver, logger); err != nil {
			logger.Error("feature invalidation listener exited", "error", err)
		}
	}()

	return core.coordinator.Run(ctx)
}
