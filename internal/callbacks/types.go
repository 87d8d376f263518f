// Package callbacks delivers error-rate anomaly alerts to an operator webhook.
package callbacks

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/CedrosPay/entitlements/internal/errorlog"
)

// EventTypeAnomaly is the eventType of every alert payload.
const EventTypeAnomaly = "errors.anomaly"

// Notifier delivers anomaly alerts.
type Notifier interface {
	AnomalyDetected(ctx context.Context, a errorlog.Anomaly)
}

// NoopNotifier ignores all alerts.
type NoopNotifier struct{}

func (NoopNotifier) AnomalyDetected(context.Context, errorlog.Anomaly) {}

// AnomalyEvent is the webhook body. EventID stays the same across retries so
// receivers can drop duplicates.
type AnomalyEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	Code          string    `json:"code"`
	Count         int       `json:"count"`
	WindowSeconds int       `json:"windowSeconds"`
	UserMessage   string    `json:"userMessage,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}

func newAnomalyEvent(a errorlog.Anomaly, now time.Time) AnomalyEvent {
	return AnomalyEvent{
		EventID:        "evt_" + uuid.NewString(),
		EventType:      EventTypeAnomaly,
		EventTimestamp: now.UTC(),
		Code:           string(a.Code),
		Count:          a.Count,
		WindowSeconds:  int(a.Window.Seconds()),
		DetectedAt:     a.DetectedAt.UTC(),
	}
}
