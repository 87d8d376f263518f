package callbacks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/CedrosPay/entitlements/internal/errorlog"
	apierrors "github.com/CedrosPay/entitlements/internal/errors"
	"github.com/CedrosPay/entitlements/internal/httputil"
	"github.com/CedrosPay/entitlements/internal/metrics"
	"github.com/CedrosPay/entitlements/internal/retry"
)

// Client posts anomaly events in the background with exponential backoff. Alerts
// that exhaust their attempts land in the DLQ when one is configured.
type Client struct {
	cfg        config.AlertsConfig
	policy     retry.Policy
	httpClient *http.Client
	logger     zerolog.Logger
	dlq        DLQStore
	metrics    *metrics.Metrics
	now        func() time.Time

	wg sync.WaitGroup
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithDLQStore(s DLQStore) Option { return func(c *Client) { c.dlq = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.policy.Sleep = fn }
}

// NewNotifier returns a NoopNotifier when no webhook URL is configured.
func NewNotifier(cfg config.AlertsConfig, opts ...Option) Notifier {
	if cfg.WebhookURL == "" {
		return NoopNotifier{}
	}
	return NewClient(cfg, opts...)
}

func NewClient(cfg config.AlertsConfig, opts ...Option) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	c := &Client{
		cfg: cfg,
		policy: retry.Policy{
			MaxRetries: attempts - 1,
			BaseDelay:  cfg.BaseDelay.Duration,
			Multiplier: 2,
			Name:       "callbacks.anomaly",
		},
		httpClient: httputil.NewClient(timeout),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy.Logger = &c.logger
	return c
}

// AnomalyDetected returns immediately; delivery runs on its own goroutine.
func (c *Client) AnomalyDetected(_ context.Context, a errorlog.Anomaly) {
	event := newAnomalyEvent(a, c.now())
	event.UserMessage = apierrors.UserMessage(a.Code)
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("callbacks.marshal_failed")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliver(context.Background(), event.EventID, payload)
	}()
}

func (c *Client) deliver(ctx context.Context, eventID string, payload []byte) {
	attempts := 0
	_, err := retry.Do(ctx, c.policy, func(ctx context.Context) (struct{}, error) {
		attempts++
		return struct{}{}, c.send(ctx, payload)
	})
	if err == nil {
		c.metrics.ObserveAlertDelivery("success")
		if attempts > 1 {
			c.logger.Info().Int("attempt", attempts).Str("event_id", eventID).Msg("callbacks.delivered_after_retry")
		}
		return
	}

	c.metrics.ObserveAlertDelivery("failed")
	c.logger.Error().Err(err).Int("attempts", attempts).Str("event_id", eventID).Msg("callbacks.delivery_failed")
	if c.dlq == nil {
		return
	}
	now := c.now().UTC()
	failed := FailedDelivery{
		ID:          eventID,
		URL:         c.cfg.WebhookURL,
		Payload:     json.RawMessage(payload),
		EventType:   EventTypeAnomaly,
		Attempts:    attempts,
		LastError:   err.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}
	if err := c.dlq.SaveFailedDelivery(ctx, failed); err != nil {
		c.logger.Error().Err(err).Str("event_id", eventID).Msg("callbacks.dlq_save_failed")
		return
	}
	c.metrics.ObserveAlertDelivery("dlq")
}

// send classifies failures: transport errors, 429 and 5xx are retried, other 4xx are not.
func (c *Client) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeInvalidInput, "build alert request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierrors.Wrap(apierrors.ErrCodeNetworkError, "alert webhook unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apierrors.New(apierrors.ErrCodeNetworkError, fmt.Sprintf("alert webhook returned %d", resp.StatusCode))
	default:
		return apierrors.New(apierrors.ErrCodeInvalidInput, fmt.Sprintf("alert webhook rejected event with %d", resp.StatusCode))
	}
}

// Close waits for in-flight deliveries.
func (c *Client) Close() error {
	c.wg.Wait()
	return nil
}
