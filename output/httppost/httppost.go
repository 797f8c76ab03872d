// Package httppost delivers egress events to an HTTP endpoint.
//
// Output is an events.Sink. Each batch is POSTed as one JSON array of events. A network
// failure or a 5xx/429 response is transient and the bus retries the batch; any other
// non-2xx response is not retried.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/pointflow/errors"
	"github.com/c360/pointflow/events"
	"github.com/c360/pointflow/pkg/retry"
)

// Config holds configuration for the HTTP POST sink
type Config struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	ContentType string            `json:"content_type,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(fmt.Errorf("%w: scheme %q", errors.ErrInvalidConfig, u.Scheme),
			"Config", "Validate", "check URL scheme")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 5m")
	}
	return nil
}

// DefaultConfig returns default configuration for the HTTP POST sink
func DefaultConfig() Config {
	return Config{
		Headers:     make(map[string]string),
		Timeout:     30 * time.Second,
		ContentType: "application/json",
	}
}

// Output posts event batches to one URL
type Output struct {
	url         string
	headers     map[string]string
	contentType string
	httpClient  *http.Client
	logger      *slog.Logger

	batchesSent   atomic.Int64
	eventsSent    atomic.Int64
	batchesFailed atomic.Int64
}

var _ events.Sink = (*Output)(nil)

// New creates the sink
func New(cfg Config) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ContentType == "" {
		cfg.ContentType = def.ContentType
	}
	return &Output{
		url:         cfg.URL,
		headers:     cfg.Headers,
		contentType: cfg.ContentType,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      slog.Default().With("component", "httppost"),
	}, nil
}

// Name implements events.Sink
func (h *Output) Name() string { return "http" }

// Deliver implements events.Sink
func (h *Output) Deliver(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "HTTPPost", "Deliver", "encode batch"))
	}
	if err := h.send(ctx, body); err != nil {
		h.batchesFailed.Add(1)
		return err
	}
	h.batchesSent.Add(1)
	h.eventsSent.Add(int64(len(batch)))
	return nil
}

func (h *Output) send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "HTTPPost", "send", "build request"))
	}
	req.Header.Set("Content-Type", h.contentType)
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "HTTPPost", "send", "post batch")
	}
	defer resp.Body.Close()
	// Drain so the connection is reused
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(fmt.Errorf("HTTP %d", resp.StatusCode), "HTTPPost", "send", "post batch")
	default:
		h.logger.Warn("Endpoint rejected event batch", "status", resp.StatusCode, "url", h.url)
		return retry.NonRetryable(errors.WrapInvalid(fmt.Errorf("HTTP %d", resp.StatusCode), "HTTPPost", "send", "post batch"))
	}
}

// Stats reports delivered batches, delivered events and failed batches
func (h *Output) Stats() (batches, eventsSent, failed int64) {
	return h.batchesSent.Load(), h.eventsSent.Load(), h.batchesFailed.Load()
}
