// Package connector is the only network boundary to the Pyris pipeline
// service. Calls are single-shot: a failure is reported to the caller and
// never retried here, so a pipeline cannot be started twice by accident.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"pyris/internal/apperrors"
	"pyris/pkg/circuitbreaker"
	"strings"
	"time"
)

// maxResponseBodySize caps how much of a response is read.
const maxResponseBodySize = 1 << 20 // 1 MB

// Config holds configuration for the pipeline service client.
type Config struct {
	BaseURL          string        // e.g. http://pyris:8000
	Secret           string        // sent verbatim as the Authorization header
	Timeout          time.Duration // per-request timeout (default: 10s)
	BreakerThreshold int           // consecutive failures before failing fast (default: 5)
	BreakerCooldown  time.Duration // how long to fail fast (default: 30s)
}

// Variant describes one variant of a pipeline feature.
type Variant struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// MetricsRecorder is an optional interface for recording outbound calls.
type MetricsRecorder interface {
	RecordConnectorCall(ctx context.Context, operation string, success bool, durationSeconds float64)
	RecordCircuitTransition(ctx context.Context, state string)
}

// Client talks to the pipeline service over HTTP.
type Client struct {
	baseURL  *url.URL
	secret   string
	http     *http.Client
	breakers *circuitbreaker.Registry
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// New creates a client. The base URL must be absolute.
func New(cfg Config, metrics MetricsRecorder) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid pipeline service URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	c := &Client{
		baseURL: base,
		secret:  cfg.Secret,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		metrics: metrics,
		logger:  slog.With("component", "connector"),
	}
	c.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: c.circuitChanged,
	})
	return c, nil
}

func (c *Client) circuitChanged(host string, from, to circuitbreaker.State) {
	if to == circuitbreaker.Open {
		c.logger.Warn("Pipeline service circuit opened, failing fast", "host", host, "from", from)
	} else {
		c.logger.Info("Pipeline service circuit changed", "host", host, "from", from, "to", to)
	}
	if c.metrics != nil {
		c.metrics.RecordCircuitTransition(context.Background(), to.String())
	}
}

// CircuitStats reports the breaker states, for readiness and debugging.
func (c *Client) CircuitStats() circuitbreaker.Stats {
	return c.breakers.Stats()
}

// Run starts a pipeline variant. event selects an event-specific flavour of
// the pipeline and may be empty. Any failure is a PipelineDispatch error
// whose cause carries the classification.
func (c *Client) Run(ctx context.Context, feature, variant, event string, payload any) error {
	endpoint := c.endpoint("api", "v1", "pipelines", feature, variant, "run")
	if event != "" {
		endpoint += "?" + url.Values{"event": {event}}.Encode()
	}

	if err := c.post(ctx, "run", endpoint, payload); err != nil {
		c.logger.Warn("Pipeline dispatch failed", "feature", feature, "variant", variant, "event", event, "error", err)
		return apperrors.PipelineDispatch(feature, err)
	}
	return nil
}

// RunWebhook posts a one-shot ingestion or deletion request.
func (c *Client) RunWebhook(ctx context.Context, path string, payload any) error {
	segments := append([]string{"api", "v1", "webhooks"}, strings.Split(strings.Trim(path, "/"), "/")...)
	if err := c.post(ctx, "webhook", c.endpoint(segments...), payload); err != nil {
		c.logger.Warn("Webhook dispatch failed", "path", path, "error", err)
		return apperrors.PipelineDispatch(path, err)
	}
	return nil
}

// ListVariants returns the variants the service offers for a feature. Any
// failure is reported as ConnectorUnavailable.
func (c *Client) ListVariants(ctx context.Context, feature string) ([]Variant, error) {
	const op = "connector.variants"
	endpoint := c.endpoint("api", "v1", "pipelines", feature, "variants")

	var variants []Variant
	err := c.do(ctx, "variants", http.MethodGet, endpoint, nil, func(body []byte) error {
		return json.Unmarshal(body, &variants)
	})
	if err != nil {
		return nil, apperrors.ConnectorUnavailable(op, err)
	}
	return variants, nil
}

// Health checks the service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, c.endpoint("api", "v1", "health", ""), nil, nil)
}

func (c *Client) post(ctx context.Context, operation, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Internal("connector.marshal", err)
	}
	return c.do(ctx, operation, http.MethodPost, endpoint, body, nil)
}

// do performs one request. onSuccess, when set, decodes a 2xx body.
func (c *Client) do(ctx context.Context, operation, method, endpoint string, body []byte, onSuccess func([]byte) error) error {
	op := "connector." + operation
	breaker := c.breakers.Get(c.baseURL.Host)
	if !breaker.Allow() {
		return apperrors.ConnectorUnavailable(op, fmt.Errorf("circuit open for %s", c.baseURL.Host))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperrors.Internal(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", c.secret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		breaker.RecordFailure()
		c.record(ctx, operation, false, start)
		return apperrors.ConnectorUnavailable(op, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		breaker.RecordSuccess()
		c.record(ctx, operation, true, start)
		if readErr != nil {
			return apperrors.ConnectorUnavailable(op, readErr)
		}
		if onSuccess != nil {
			if err := onSuccess(respBody); err != nil {
				return apperrors.ConnectorUnavailable(op, fmt.Errorf("malformed response: %w", err))
			}
		}
		return nil
	}

	// The service answered; only server-side errors count against it.
	if resp.StatusCode >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	c.record(ctx, operation, false, start)
	return MapError(op, resp.StatusCode, respBody)
}

func (c *Client) record(ctx context.Context, operation string, success bool, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordConnectorCall(ctx, operation, success, time.Since(start).Seconds())
	}
}

// endpoint joins escaped path segments onto the base URL.
func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}
