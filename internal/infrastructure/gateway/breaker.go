package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const maxResponseBody = 1 << 20

// BreakerConfig tunes the circuit breaker wrapped around a provider's HTTP calls.
type BreakerConfig struct {
	MaxRequests      uint32        // half-open probes
	Interval         time.Duration // closed-state counter reset
	OpenTimeout      time.Duration // open -> half-open
	ConsecutiveFails uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ConsecutiveFails == 0 {
		c.ConsecutiveFails = 5
	}
	return c
}

// httpStatusError is returned for non-2xx provider responses.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.Status, e.Body)
}

// client is a JSON HTTP client whose calls pass through a circuit breaker.
type client struct {
	provider string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
}

func newClient(provider string, httpClient *http.Client, cfg BreakerConfig, log zerolog.Logger) *client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cfg = cfg.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFails
		},
		IsSuccessful: func(err error) bool {
			// 4xx responses are our fault, not the provider's.
			var se *httpStatusError
			if errors.As(err, &se) {
				return se.Status < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &client{provider: provider, http: httpClient, cb: cb}
}

// doJSON sends body as JSON and decodes a 2xx response into out. Every error
// it returns wraps ports.ErrAdapter.
func (c *client) doJSON(ctx context.Context, op, method, url string, header http.Header, body, out any) error {
	start := time.Now()
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, url, header, body, out)
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.GatewayRequestDuration.WithLabelValues(c.provider, op, result).Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ports.ErrAdapter, c.provider, op, err)
	}
	return nil
}

func (c *client) roundTrip(ctx context.Context, method, url string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{Status: resp.StatusCode, Body: truncate(string(raw), 256)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
