package circuitbreaker

import (
	"errors"
	"time"

	"github.com/CedrosPay/entitlements/internal/config"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ServiceType identifies an upstream store service for breaker isolation.
type ServiceType string

const (
	ServiceBilling  ServiceType = "billing"
	ServiceAppStore ServiceType = "app_store"
)

// ErrOpen is returned when a breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// Manager keeps one breaker per upstream service so a failing App Store does not
// block billing bridge traffic and vice versa.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
	logger   zerolog.Logger
	onChange func(service, to string)
}

// Config holds breaker configuration for all services.
type Config struct {
	Enabled  bool
	Billing  BreakerConfig
	AppStore BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithStateChangeHook registers a callback fired on every transition.
func WithStateChangeHook(fn func(service, to string)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// NewManagerFromConfig creates a manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig, opts ...Option) *Manager {
	return NewManager(Config{
		Enabled:  cfg.Enabled,
		Billing:  fromServiceConfig(cfg.Billing),
		AppStore: fromServiceConfig(cfg.AppStore),
	}, opts...)
}

func fromServiceConfig(c config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         c.MaxRequests,
		Interval:            c.Interval.Duration,
		Timeout:             c.Timeout.Duration,
		ConsecutiveFailures: c.ConsecutiveFailures,
		FailureRatio:        c.FailureRatio,
		MinRequests:         c.MinRequests,
	}
}

// NewManager creates a manager. A disabled manager passes every call through.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceBilling] = gobreaker.NewCircuitBreaker(m.settings(ServiceBilling, cfg.Billing))
	m.breakers[ServiceAppStore] = gobreaker.NewCircuitBreaker(m.settings(ServiceAppStore, cfg.AppStore))
	return m
}

// Execute runs fn under the service's breaker. Errors for which ignore returns true
// are passed back to the caller without counting as failures.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error), ignore func(error) bool) (interface{}, error) {
	breaker, ok := m.breakers[service]
	if !m.config.Enabled || !ok {
		return fn()
	}

	var passthrough error
	result, err := breaker.Execute(func() (interface{}, error) {
		res, err := fn()
		if err != nil && ignore != nil && ignore(err) {
			passthrough = err
			return res, nil
		}
		return res, err
	})
	if passthrough != nil {
		return result, passthrough
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// State returns the breaker state, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (m *Manager) Counts(service ServiceType) Counts {
	breaker, ok := m.breakers[service]
	if !m.config.Enabled || !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

func (m *Manager) settings(service ServiceType, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        string(service),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.logger.Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_changed")
			if m.onChange != nil {
				m.onChange(name, to.String())
			}
		},
	}
}

// DefaultConfig returns the defaults used when no configuration is supplied.
func DefaultConfig() Config {
	bc := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{Enabled: true, Billing: bc, AppStore: bc}
}
