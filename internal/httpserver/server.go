package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/apikey"
	"github.com/CedrosPay/entitlements/internal/auth"
	"github.com/CedrosPay/entitlements/internal/callbacks"
	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	"github.com/CedrosPay/entitlements/internal/gating"
	"github.com/CedrosPay/entitlements/internal/idempotency"
	"github.com/CedrosPay/entitlements/internal/logger"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/offline"
	"github.com/CedrosPay/entitlements/internal/privacy"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/ratelimit"
	"github.com/CedrosPay/entitlements/internal/reconcile"
	"github.com/CedrosPay/entitlements/internal/recovery"
	"github.com/CedrosPay/entitlements/internal/restore"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/CedrosPay/entitlements/internal/verifier"
)

var serverStartTime = time.Now()

// PurchaseService is the buy/verify/read surface.
type PurchaseService interface {
	PurchaseProduct(ctx context.Context, productID string) (purchases.Purchase, error)
	VerifyAndSavePurchase(ctx context.Context, tx purchases.Transaction) (purchases.Purchase, error)
	GetActivePurchases(ctx context.Context) ([]purchases.Purchase, error)
	GetPurchase(ctx context.Context, transactionID string) (*purchases.Purchase, error)
}

type Reconciler interface {
	ReconcilePurchases(ctx context.Context) (reconcile.Result, error)
}

type RecoveryService interface {
	DetectDBCorruption(ctx context.Context) recovery.Corruption
	GetRecoveryStatus(ctx context.Context) recovery.Status
	AutoRecoverOnStartup(ctx context.Context) (recovery.Result, error)
}

// Dependencies are the services the router exposes. Nil optional services disable their routes.
type Dependencies struct {
	Purchases PurchaseService
	Restore   *restore.Gate
	Reconcile Reconciler
	Recovery  RecoveryService
	Gating    *gating.Service
	Store     storage.Store

	// Idempotency replays purchase launches repeated with the same Idempotency-Key.
	Idempotency idempotency.Store

	Offline  *offline.Validator
	Verifier verifier.ReceiptVerifier

	Privacy *privacy.Handler
	Authz   *privacy.AuthorizationService
	Tokens  *auth.TokenVerifier

	ErrorLog *errorlog.Logger
	Monitor  *errorlog.Monitor
	Exporter *errorlog.Exporter
	AlertDLQ callbacks.DLQStore

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	Dependencies
	cfg *config.Config
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, deps)
	return NewWithHandler(cfg, router)
}

// NewWithHandler serves an already configured handler with the server timeouts.
func NewWithHandler(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches the entitlement routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, deps Dependencies) {
	if router == nil {
		return
	}
	h := handlers{Dependencies: deps, cfg: cfg}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID", apikey.Header, idempotency.HeaderKey},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	limits := ratelimit.FromConfig(cfg.RateLimit, deps.Metrics)
	router.Use(ratelimit.GlobalLimiter(limits))

	prefix := cfg.Server.RoutePrefix
	operator := apikey.RequireOperator(apikey.NewKeys(cfg.Server.OperatorAPIKeys), deps.Logger)

	// Health checks and scraping stay cheap.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", h.health)

		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.With(metricsAuth(cfg.Server.MetricsAPIKey)).
			Handle(prefix+"/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	})

	// Purchase flows call the platform bridge and verifiers; allow for retries with backoff.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		if deps.Tokens != nil {
			r.Use(auth.Middleware(deps.Tokens, cfg.Auth.Required, deps.Logger))
		} else if cfg.Auth.Required {
			r.Use(auth.Middleware(nil, true, deps.Logger))
		}

		r.Route(prefix+"/v1", func(r chi.Router) {
			if deps.Purchases != nil {
				launch := r.With()
				if deps.Idempotency != nil {
					launch = r.With(idempotency.Middleware(deps.Idempotency, idempotency.DefaultTTL, deps.Logger))
				}
				launch.Post("/purchases", h.purchaseProduct)
				r.Post("/purchases/verify", h.verifyPurchase)
				r.Get("/purchases", h.activePurchases)
				r.Get("/purchases/{transactionId}", h.getPurchase)
			}
			if deps.Restore != nil {
				r.With(ratelimit.RouteLimiter("restore", limits)).Post("/purchases/restore", h.restorePurchases)
			}
			if deps.Reconcile != nil {
				r.With(ratelimit.RouteLimiter("reconcile", limits)).Post("/purchases/reconcile", h.reconcilePurchases)
			}

			if deps.Recovery != nil {
				r.Get("/recovery/status", h.recoveryStatus)
				r.With(operator).Post("/recovery/run", h.runRecovery)
			}

			if deps.Gating != nil {
				r.Get("/features", h.listFeatures)
				r.Get("/features/{featureId}/access", h.featureAccess)
				r.Get("/products/{productId}/features", h.productFeatures)
			}

			if deps.Offline != nil {
				r.Post("/receipts/offline/verify", h.verifyOffline)
				r.Post("/receipts/offline/network-restored", h.networkRestored)
				r.Get("/receipts/offline/pending", h.pendingRevalidations)
				r.Get("/receipts/offline/stats", h.offlineStats)
			}

			if deps.Authz != nil && deps.Privacy != nil {
				r.Get("/users/{userId}/purchases", h.userPurchaseHistory)
				r.Delete("/users/{userId}/purchases", h.deleteUserPurchases)
				r.Delete("/users/{userId}/purchases/{transactionId}", h.deleteUserPurchase)
			}

			r.Group(func(r chi.Router) {
				r.Use(operator)
				if deps.Exporter != nil {
					r.Post("/logs/export", h.exportLogs)
					r.Get("/logs/exports", h.listExports)
					r.Delete("/logs/exports/{fileName}", h.deleteExport)
				}
				if deps.Monitor != nil {
					r.Get("/logs/summary", h.logSummary)
				}
				if deps.AlertDLQ != nil {
					r.Get("/alerts/failed", h.failedAlerts)
					r.Delete("/alerts/failed/{id}", h.dropFailedAlert)
				}
			})
		})
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close satisfies lifecycle.Manager registration with a bounded graceful shutdown.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}
