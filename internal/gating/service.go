// Package gating decides whether a feature is available based on the feature
// catalog, local purchases and the subscription tier. Every check fails closed.
package gating

import (
	"context"
	"strings"

	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
	"github.com/CedrosPay/entitlements/internal/storage"
	"github.com/rs/zerolog"
)

// Service answers feature access questions.
type Service struct {
	catalog *Catalog
	store   storage.Store
	sync    storage.SyncQuerier
	tier    TierProvider
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithTierProvider(p TierProvider) Option { return func(s *Service) { s.tier = p } }

// WithSyncQuerier sets the non-blocking reader used by CanAccessSync.
func WithSyncQuerier(q storage.SyncQuerier) Option { return func(s *Service) { s.sync = q } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService builds a gating service. When store also implements SyncQuerier it is
// used for CanAccessSync unless WithSyncQuerier overrides it.
func NewService(catalog *Catalog, store storage.Store, opts ...Option) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	s := &Service{
		catalog: catalog,
		store:   store,
		tier:    FreeTier,
		logger:  zerolog.Nop(),
	}
	if q, ok := store.(storage.SyncQuerier); ok {
		s.sync = q
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanAccessSync checks access without blocking on I/O. It never consults the
// subscription tier.
func (s *Service) CanAccessSync(featureID string) (granted bool) {
	defer s.recoverDenied("sync", featureID, &granted)

	feature, ok := s.lookup(featureID)
	if !ok {
		s.decide("sync", false, "unknown_feature")
		return false
	}
	if feature.Level == LevelFree {
		s.decide("sync", true, "free")
		return true
	}
	if s.sync == nil {
		s.decide("sync", false, "no_sync_reader")
		return false
	}

	rows, err := s.sync.SelectSync(storage.Filter{ProductID: feature.RequiredProductID})
	if err != nil {
		s.logger.Warn().Err(err).Str("feature_id", feature.ID).Msg("gating.store_query_failed")
		s.decide("sync", false, "store_error")
		return false
	}
	granted = anyValid(rows)
	s.decide("sync", granted, purchaseReason(granted))
	return granted
}

// CanAccess checks the subscription tier first; a premium tier grants access
// without reading the store.
func (s *Service) CanAccess(ctx context.Context, featureID string) (granted bool) {
	defer s.recoverDenied("async", featureID, &granted)

	feature, ok := s.lookup(featureID)
	if !ok {
		s.decide("async", false, "unknown_feature")
		return false
	}
	if feature.Level == LevelFree {
		s.decide("async", true, "free")
		return true
	}

	tier, err := s.tier(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("gating.tier_lookup_failed")
		tier = TierFree
	}
	if tier == TierPremium {
		s.decide("async", true, "premium_tier")
		return true
	}

	if s.store == nil {
		s.decide("async", false, "no_store")
		return false
	}
	rows, err := s.store.Select(ctx, storage.Filter{ProductID: feature.RequiredProductID})
	if err != nil {
		s.logger.Warn().Err(err).Str("feature_id", feature.ID).Msg("gating.store_query_failed")
		s.decide("async", false, "store_error")
		return false
	}
	granted = anyValid(rows)
	s.decide("async", granted, purchaseReason(granted))
	return granted
}

// GetUnlockedFeaturesByProduct returns features unlocked by productID in catalog order.
func (s *Service) GetUnlockedFeaturesByProduct(productID string) []FeatureDefinition {
	return s.catalog.ByProduct(strings.TrimSpace(productID))
}

// UnlockedFeatureIDs is GetUnlockedFeaturesByProduct reduced to IDs.
func (s *Service) UnlockedFeatureIDs(productID string) []string {
	features := s.GetUnlockedFeaturesByProduct(productID)
	ids := make([]string, 0, len(features))
	for _, f := range features {
		ids = append(ids, f.ID)
	}
	return ids
}

func (s *Service) GetFeature(id string) (FeatureDefinition, bool) {
	return s.catalog.Get(strings.TrimSpace(id))
}

func (s *Service) ListFeatures() []FeatureDefinition {
	return s.catalog.All()
}

func (s *Service) lookup(featureID string) (FeatureDefinition, bool) {
	id := strings.TrimSpace(featureID)
	if id == "" {
		return FeatureDefinition{}, false
	}
	return s.catalog.Get(id)
}

func (s *Service) decide(mode string, granted bool, reason string) {
	s.metrics.ObserveGating(mode, granted, reason)
}

func (s *Service) recoverDenied(mode, featureID string, granted *bool) {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("feature_id", featureID).Msg("gating.check_panicked")
		s.decide(mode, false, "panic")
		*granted = false
	}
}

func anyValid(rows []purchases.Purchase) bool {
	for _, r := range rows {
		if purchases.ValidPurchase(r) {
			return true
		}
	}
	return false
}

func purchaseReason(granted bool) string {
	if granted {
		return "purchase_found"
	}
	return "no_purchase"
}
