// Package entitlements assembles the purchase, restore, reconcile, recovery, gating,
// offline and privacy services behind one router for embedding or standalone serving.
package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/auth"
	"github.com/CedrosPay/entitlements/internal/billing"
	"github.com/CedrosPay/entitlements/internal/callbacks"
	"github.com/CedrosPay/entitlements/internal/circuitbreaker"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/dbpool"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	"github.com/CedrosPay/entitlements/internal/gating"
	"github.com/CedrosPay/entitlements/internal/httpserver"
	"github.com/CedrosPay/entitlements/internal/idempotency"
	"github.com/CedrosPay/entitlements/internal/lifecycle"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/offline"
	"github.com/CedrosPay/entitlements/internal/privacy"
	"github.com/CedrosPay/entitlements/internal/purchase"
	"github.com/CedrosPay/entitlements/internal/reconcile"
	"github.com/CedrosPay/entitlements/internal/recovery"
	"github.com/CedrosPay/entitlements/internal/restore"
	"github.com/CedrosPay/entitlements/internal/retry"
	"github.com/CedrosPay/entitlements/internal/securestore"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/verifier"
)

// App holds every wired component. Fields are exported for embedding callers that
// want to drive the services directly.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Metadata securestore.Store
	Billing  billing.Repository
	Verifier verifier.ReceiptVerifier
	Breakers *circuitbreaker.Manager
	Tokens   *auth.TokenVerifier

	Purchases *purchase.Service
	Restore   *restore.Gate
	Reconcile *reconcile.Reconciler
	Recovery  *recovery.Handler
	Gating    *gating.Service
	Offline   *offline.Validator
	Privacy   *privacy.Handler
	ErrorLog  *errorlog.Logger
	Monitor   *errorlog.Monitor
	Exporter  *errorlog.Exporter
	Alerts    callbacks.Notifier
	AlertDLQ  callbacks.DLQStore

	Idempotency *idempotency.MemoryStore

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Logger   zerolog.Logger

	router    chi.Router
	runner    *reconcile.Runner
	pool      *dbpool.SharedPool
	mirror    *storage.CachedStore
	resources *lifecycle.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	metadata securestore.Store
	billing  billing.Repository
	verifier verifier.ReceiptVerifier
	router   chi.Router
	logger   *zerolog.Logger
}

// WithStore sets a custom purchase table backend.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithMetadataStore sets a custom verification metadata backend.
func WithMetadataStore(store securestore.Store) Option {
	return func(o *options) { o.metadata = store }
}

// WithBilling injects the platform billing repository, replacing the HTTP bridge client.
func WithBilling(repo billing.Repository) Option {
	return func(o *options) { o.billing = repo }
}

// WithVerifier injects a receipt verifier.
func WithVerifier(v verifier.ReceiptVerifier) Option {
	return func(o *options) { o.verifier = v }
}

// WithRouter registers routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) { o.router = router }
}

// WithLogger overrides the logger built from cfg.Logging.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// NewApp assembles every service. Resources it opens are released by Close.
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("entitlements: config required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var log zerolog.Logger
	if o.logger != nil {
		log = *o.logger
	} else {
		log = logger.New(logger.Config{
			Level:       cfg.Logging.Level,
			Format:      cfg.Logging.Format,
			Service:     "entitlements",
			Environment: cfg.Logging.Environment,
		})
	}

	app := &App{
		Config:    cfg,
		Logger:    log,
		resources: lifecycle.NewManager(log),
	}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.Metrics = metrics.New(app.Registry)

	if err := app.openStores(ctx, o); err != nil {
		_ = app.resources.Close()
		return nil, err
	}

	app.Breakers = circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker,
		circuitbreaker.WithLogger(log.With().Str("component", "circuitbreaker").Logger()),
		circuitbreaker.WithStateChangeHook(app.Metrics.ObserveBreakerTransition),
	)

	if o.verifier != nil {
		app.Verifier = o.verifier
	} else {
		v, err := verifier.NewFromConfig(cfg.Verifier, app.Breakers, log.With().Str("component", "verifier").Logger())
		if err != nil {
			_ = app.resources.Close()
			return nil, fmt.Errorf("init verifier: %w", err)
		}
		app.Verifier = v
	}

	repo := o.billing
	if repo == nil {
		repo = billing.NewBridgeClient(cfg.Billing.BridgeURL, cfg.Billing.Timeout.Duration)
	}
	app.Billing = billing.NewGuarded(repo, app.Breakers)

	if err := app.buildErrorLog(ctx); err != nil {
		_ = app.resources.Close()
		return nil, err
	}

	if err := app.buildServices(); err != nil {
		_ = app.resources.Close()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			_ = app.resources.Close()
			return nil, fmt.Errorf("init token verifier: %w", err)
		}
		app.Tokens = tokens
	}

	app.router = o.router
	if app.router == nil {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.dependencies())

	return app, nil
}

func (a *App) openStores(ctx context.Context, o options) error {
	cfg := a.Config
	store := o.store
	if store == nil {
		storeCfg := storage.StoreConfigFrom(cfg.Storage)
		var shared *sql.DB
		if storeCfg.Backend == "postgres" {
			pool, err := dbpool.NewSharedPool(ctx, storeCfg.PostgresURL, storeCfg.PostgresPool)
			if err != nil {
				return fmt.Errorf("init postgres pool: %w", err)
			}
			a.pool = pool
			a.resources.Register("postgres-pool", pool)
			shared = pool.DB()
		}
		s, err := storage.NewStoreWithDB(ctx, storeCfg, shared)
		if err != nil {
			return fmt.Errorf("init purchase store: %w", err)
		}
		store = s
		a.resources.Register("purchase-store", store)
		if storeCfg.Backend == "" || storeCfg.Backend == "memory" {
			a.Logger.Warn().Msg("entitlements.memory_store_in_use")
		}
	}
	backend := a.Config.Storage.Backend
	if backend == "" {
		backend = "memory"
	}
	store = storage.Instrument(store, a.Metrics, backend)
	store, _ = storage.AsSyncQuerier(store)
	if cached, ok := store.(*storage.CachedStore); ok {
		if err := cached.Warm(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("entitlements.mirror_warm_failed")
		}
		a.mirror = cached
	}
	a.Store = store

	metadata := o.metadata
	if metadata == nil {
		m, err := securestore.New(cfg.SecureStore)
		if err != nil {
			return fmt.Errorf("init secure store: %w", err)
		}
		metadata = m
		a.resources.Register("secure-store", metadata)
	}
	a.Metadata = metadata
	return nil
}

func (a *App) buildErrorLog(ctx context.Context) error {
	cfg := a.Config
	a.ErrorLog = errorlog.NewLogger(cfg.Monitoring.RingSize,
		errorlog.WithLogger(a.Logger.With().Str("component", "errorlog").Logger()),
		errorlog.WithMetrics(a.Metrics),
	)
	a.Monitor = errorlog.NewMonitor(cfg.Monitoring.Window.Duration, cfg.Monitoring.ErrorRateThreshold,
		errorlog.WithMonitorLogger(a.Logger.With().Str("component", "monitor").Logger()),
		errorlog.WithMonitorMetrics(a.Metrics),
	)
	a.ErrorLog.Watch(a.Monitor.Record)

	if err := a.buildAlerts(); err != nil {
		return err
	}

	exportOpts := []errorlog.ExporterOption{
		errorlog.WithMinFreeBytes(cfg.Export.MinFreeBytes),
		errorlog.WithExportLogger(a.Logger.With().Str("component", "export").Logger()),
		errorlog.WithExportMetrics(a.Metrics),
	}
	if cfg.Export.S3Bucket != "" {
		target, err := errorlog.NewS3ShareTarget(ctx, cfg.Export)
		if err != nil {
			return fmt.Errorf("init export share target: %w", err)
		}
		exportOpts = append(exportOpts, errorlog.WithShareTarget(target))
	}
	a.Exporter = errorlog.NewExporter(a.ErrorLog, cfg.Export.Directory, exportOpts...)
	return nil
}

// buildAlerts forwards anomaly onsets to the operator webhook when one is configured.
func (a *App) buildAlerts() error {
	cfg := a.Config.Alerts
	if cfg.WebhookURL == "" {
		a.Alerts = callbacks.NoopNotifier{}
		return nil
	}
	if cfg.DLQPath != "" {
		dlq, err := callbacks.NewFileDLQStore(cfg.DLQPath)
		if err != nil {
			return fmt.Errorf("init alert dlq: %w", err)
		}
		a.AlertDLQ = dlq
		a.resources.Register("alert-dlq", dlq)
	} else {
		a.AlertDLQ = callbacks.NewMemoryDLQStore()
	}
	client := callbacks.NewClient(cfg,
		callbacks.WithLogger(a.Logger.With().Str("component", "alerts").Logger()),
		callbacks.WithDLQStore(a.AlertDLQ),
		callbacks.WithMetrics(a.Metrics),
	)
	a.resources.Register("alert-client", client)
	a.Alerts = client
	a.Monitor.Subscribe(func(an errorlog.Anomaly) {
		a.Alerts.AnomalyDetected(context.Background(), an)
	})
	return nil
}

func (a *App) buildServices() error {
	cfg := a.Config
	component := func(name string) zerolog.Logger {
		return a.Logger.With().Str("component", name).Logger()
	}

	catalog, err := gating.LoadCatalog(cfg.FeaturesFile, cfg.Features)
	if err != nil {
		return fmt.Errorf("init feature catalog: %w", err)
	}
	gatingOpts := []gating.Option{
		gating.WithLogger(component("gating")),
		gating.WithMetrics(a.Metrics),
	}
	if len(cfg.Subscription.PremiumProductIDs) > 0 {
		gatingOpts = append(gatingOpts, gating.WithTierProvider(gating.SubscriptionTier(a.Store, cfg.Subscription.PremiumProductIDs)))
	}
	a.Gating = gating.NewService(catalog, a.Store, gatingOpts...)

	a.Offline = offline.NewValidator(
		offline.WithTTL(cfg.Offline.TTL.Duration),
		offline.WithLogger(component("offline")),
		offline.WithMetrics(a.Metrics),
	)

	a.Purchases = purchase.NewService(a.Billing, a.Verifier, a.Metadata, a.Store,
		purchase.WithRetryPolicy(retry.Policy{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay.Duration,
			Multiplier: cfg.Retry.Multiplier,
		}),
		purchase.WithPriceList(purchase.PriceListFromConfig(cfg.Products)),
		purchase.WithFeatureResolver(a.Gating.UnlockedFeatureIDs),
		purchase.WithLogger(component("purchase")),
		purchase.WithMetrics(a.Metrics),
		purchase.WithErrorSink(a.ErrorLog),
		purchase.WithVerdictCache(a.Offline),
	)

	a.Restore = restore.NewGate(restore.NewService(a.Billing, a.Store,
		restore.WithLogger(component("restore")),
		restore.WithMetrics(a.Metrics),
		restore.WithErrorSink(a.ErrorLog),
	))

	a.Reconcile = reconcile.NewReconciler(a.Billing, a.Store,
		reconcile.WithLogger(component("reconcile")),
		reconcile.WithMetrics(a.Metrics),
		reconcile.WithErrorSink(a.ErrorLog),
	)
	if cfg.Reconcile.Enabled {
		a.runner = reconcile.NewRunner(a.Reconcile, cfg.Reconcile.Interval.Duration, component("reconcile"))
	}

	a.Recovery = recovery.NewHandler(a.Billing, a.Store,
		recovery.WithLogger(component("recovery")),
		recovery.WithMetrics(a.Metrics),
		recovery.WithErrorSink(a.ErrorLog),
	)

	a.Idempotency = idempotency.NewMemoryStore()
	a.resources.Register("idempotency-store", a.Idempotency)

	a.Privacy = privacy.NewHandler(a.Store, a.Metadata,
		privacy.WithLogger(component("privacy")),
		privacy.WithErrorSink(a.ErrorLog),
	)
	return nil
}

func (a *App) dependencies() httpserver.Dependencies {
	return httpserver.Dependencies{
		Purchases:   a.Purchases,
		Restore:     a.Restore,
		Reconcile:   a.Reconcile,
		Recovery:    a.Recovery,
		Gating:      a.Gating,
		Store:       a.Store,
		Idempotency: a.Idempotency,
		Offline:     a.Offline,
		Verifier:    a.Verifier,
		Privacy:     a.Privacy,
		Authz:       privacy.NewAuthorizationService(a.Logger.With().Str("component", "authz").Logger()),
		ErrorLog:    a.ErrorLog,
		Monitor:     a.Monitor,
		Exporter:    a.Exporter,
		AlertDLQ:    a.AlertDLQ,
		Metrics:     a.Metrics,
		Gatherer:    a.Registry,
		Tokens:      a.Tokens,
		Logger:      a.Logger,
	}
}

// Start runs startup recovery and launches background loops. A failed recovery is
// logged and serving continues; the health route reports the degraded store.
func (a *App) Start(ctx context.Context) {
	res, err := a.Recovery.AutoRecoverOnStartup(ctx)
	if err != nil {
		a.Logger.Error().Err(err).Msg("entitlements.startup_recovery_failed")
	} else if v := recovery.ValidateRecovery(res); !v.IsValid {
		a.Logger.Warn().Strs("errors", v.Errors).Msg("entitlements.startup_recovery_invalid")
	}

	bg, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	if a.runner != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.runner.Run(bg)
		}()
	}
	if a.mirror != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.mirror.Run(bg, a.Config.Storage.MirrorRefresh.Duration, func(err error) {
				a.Logger.Warn().Err(err).Msg("entitlements.mirror_reload_failed")
			})
		}()
	}
	if a.pool != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.samplePool(bg, 30*time.Second)
		}()
	}
}

func (a *App) samplePool(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		a.Metrics.SetDBConnectionsOpen(a.pool.Stats().OpenConnections)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Router returns the chi router with entitlement routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close stops background loops and releases owned resources.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.resources.Close()
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
