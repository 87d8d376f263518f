package metrics

import (
	"time"
)

// MeasureDBQuery times a store operation:
//
//	defer metrics.MeasureDBQuery(m, "select", "postgres")()
func MeasureDBQuery(m *Metrics, operation, backend string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.ObserveDBQuery(operation, backend, time.Since(start))
	}
}
