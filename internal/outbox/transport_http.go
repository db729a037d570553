package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaykit/relaykit/internal/common/metrics"
)

// HTTPTransport is the reference Transport: it resolves destination_service
// to a base URL, appends destination_topic, and POSTs the row's payload.
type HTTPTransport struct {
	serviceName string // value sent as X-Source-Service
	serviceURLs map[string]string
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	// ServiceName is this process's identity, sent as X-Source-Service.
	ServiceName string

	// ServiceURLs maps destination_service -> base URL.
	ServiceURLs map[string]string

	// Timeout bounds each publish call. Default 30s per the wire-format spec.
	Timeout time.Duration

	// CircuitBreakerEnabled wraps every publish in one gobreaker breaker
	// shared by all destinations; it is not keyed per destination, so
	// failures at one destination can open it for all of them.
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32
}

// DefaultHTTPTransportConfig returns sensible defaults.
func DefaultHTTPTransportConfig() *HTTPTransportConfig {
	return &HTTPTransportConfig{
		Timeout:                   30 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// NewHTTPTransport constructs an HTTPTransport.
func NewHTTPTransport(cfg *HTTPTransportConfig) *HTTPTransport {
	if cfg == nil {
		cfg = DefaultHTTPTransportConfig()
	}

	transport := &HTTPTransport{
		serviceName: cfg.ServiceName,
		serviceURLs: cfg.ServiceURLs,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}

	if cfg.CircuitBreakerEnabled {
		transport.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "outbox-http-transport",
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())

				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = metrics.CircuitBreakerClosed
				case gobreaker.StateOpen:
					stateValue = metrics.CircuitBreakerOpen
					metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = metrics.CircuitBreakerHalfOpen
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return transport
}

// Publish implements Transport.
func (t *HTTPTransport) Publish(ctx context.Context, row *OutboxRow) error {
	baseURL, ok := t.serviceURLs[row.DestinationService]
	if !ok {
		return &ErrConfiguration{Reason: fmt.Sprintf("no base URL configured for destination_service %q", row.DestinationService)}
	}

	url := baseURL + "/" + row.EffectiveTopic()

	publish := func() (interface{}, error) {
		return nil, t.publishOnce(ctx, url, row)
	}

	if t.breaker != nil {
		_, err := t.breaker.Execute(publish)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("circuit open for %s: %w", row.DestinationService, err)
		}
		return err
	}

	_, err := publish()
	return err
}

func (t *HTTPTransport) publishOnce(ctx context.Context, url string, row *OutboxRow) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(row.Payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Id", row.MessageID)
	req.Header.Set("X-Source-Service", t.serviceName)
	req.Header.Set("X-Event-Type", row.EventType)
	for k, v := range row.Headers {
		if req.Header.Get(k) != "" {
			continue // reserved headers are never overridden by row headers
		}
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	metrics.OutboxTransportDuration.WithLabelValues(row.DestinationService).Observe(time.Since(start).Seconds())
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("publish to %s timed out: %w", row.DestinationService, err)
		}
		return fmt.Errorf("publish to %s: %w", row.DestinationService, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("destination %s returned %d: %s", row.DestinationService, resp.StatusCode, string(body))
	}
	return nil
}

// Healthy implements Transport.
func (t *HTTPTransport) Healthy(ctx context.Context) bool {
	if t.breaker == nil {
		return true
	}
	return t.breaker.State() != gobreaker.StateOpen
}
