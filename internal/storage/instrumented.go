package storage

import (
	"context"

	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/purchases"
)

// InstrumentedStore records the duration of every store call.
type InstrumentedStore struct {
	Store
	metrics *metrics.Metrics
	backend string
}

// Instrument wraps s with query timing. SelectSync is preserved when s provides it.
func Instrument(s Store, m *metrics.Metrics, backend string) Store {
	if m == nil {
		return s
	}
	inst := &InstrumentedStore{Store: s, metrics: m, backend: backend}
	if q, ok := s.(SyncQuerier); ok {
		return &instrumentedSyncStore{InstrumentedStore: inst, sync: q}
	}
	return inst
}

func (s *InstrumentedStore) Insert(ctx context.Context, p purchases.Purchase) error {
	defer metrics.MeasureDBQuery(s.metrics, "insert", s.backend)()
	return s.Store.Insert(ctx, p)
}

func (s *InstrumentedStore) Update(ctx context.Context, transactionID string, patch Patch) error {
	defer metrics.MeasureDBQuery(s.metrics, "update", s.backend)()
	return s.Store.Update(ctx, transactionID, patch)
}

func (s *InstrumentedStore) Select(ctx context.Context, filter Filter) ([]purchases.Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "select", s.backend)()
	return s.Store.Select(ctx, filter)
}

func (s *InstrumentedStore) Get(ctx context.Context, transactionID string) (purchases.Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get", s.backend)()
	return s.Store.Get(ctx, transactionID)
}

func (s *InstrumentedStore) Delete(ctx context.Context, transactionID string) error {
	defer metrics.MeasureDBQuery(s.metrics, "delete", s.backend)()
	return s.Store.Delete(ctx, transactionID)
}

type instrumentedSyncStore struct {
	*InstrumentedStore
	sync SyncQuerier
}

func (s *instrumentedSyncStore) SelectSync(filter Filter) ([]purchases.Purchase, error) {
	defer metrics.MeasureDBQuery(s.metrics, "select_sync", s.backend)()
	return s.sync.SelectSync(filter)
}
