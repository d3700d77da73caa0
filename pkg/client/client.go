// Package client provides the REST client core: a call executor with retry,
// backoff and error classification, and a batch scheduler that packs logical
// calls into bounded physical batches.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/b24-client/pkg/logging"
	"github.com/Sternrassler/b24-client/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_requests_total",
		Help: "Total requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_request_duration_seconds",
		Help:    "Request duration in seconds by method",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_errors_total",
		Help: "Total errors by class",
	}, []string{"class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retries_total",
		Help: "Total number of retry attempts by scope and error class",
	}, []string{"scope", "error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b24_retry_backoff_seconds",
		Help:    "Backoff duration for retries by scope",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"scope"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by scope",
	}, []string{"scope"})
)

// Client is the main REST client.
type Client struct {
	transport     Transport
	tracker       *ratelimit.Tracker
	config        Config
	logger        zerolog.Logger
	retryStatuses map[int]struct{}
	retryErrors   map[string]struct{}
	statusRetry   bool
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.NewLogger(logging.ComponentClient)

	c := &Client{
		transport:     NewHTTPTransport(cfg),
		config:        cfg,
		logger:        logger,
		retryStatuses: make(map[int]struct{}, len(cfg.RetryStatuses)),
		retryErrors:   make(map[string]struct{}, len(cfg.RetryErrors)),
	}

	for _, status := range cfg.RetryStatuses {
		c.retryStatuses[status] = struct{}{}
	}
	for _, code := range cfg.RetryErrors {
		c.retryErrors[normalizeCode(code)] = struct{}{}
	}

	verb := cfg.HTTPMethod
	if verb == "" {
		verb = http.MethodPost
	}
	for _, m := range cfg.RetryMethods {
		if strings.EqualFold(m, verb) {
			c.statusRetry = true
		}
	}

	if cfg.Redis != nil {
		c.tracker = ratelimit.NewTracker(cfg.Redis, logging.NewLogger(logging.ComponentRateLimit))
	}

	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() Config {
	return c.config
}

// SetTransport replaces the transport (for testing).
func (c *Client) SetTransport(t Transport) {
	c.transport = t
}

// Tracker returns the operating budget tracker, nil when Redis is not configured.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// Call performs one logical call with retry and backoff.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	env, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	result, err := decodeValue(env.Result)
	if err != nil {
		return nil, NewProtocolError("call "+req.Method, ErrMalformedResponse, "decode result: %v", err)
	}

	return &Response{
		Result: result,
		Time:   env.Time,
		Total:  env.Total,
		Next:   env.Next,
	}, nil
}

// execute runs the retry loop for req and returns the accepted success envelope.
func (c *Client) execute(ctx context.Context, req Request) (*envelope, error) {
	if err := c.gate(ctx, req.Method); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	opts := req.Options
	opts.Header = opts.Header.Clone()
	if opts.Header == nil {
		opts.Header = http.Header{}
	}
	opts.Header.Set("X-Request-Id", requestID)

	logger := c.logger.With().
		Str("method", req.Method).
		Str("request_id", requestID).
		Logger()

	env, err := retryWithBackoff(ctx, c.config.Retry, "call", logger, func(ctx context.Context, attempt int) (*envelope, retryDecision, error) {
		return c.attempt(ctx, req.Method, req.Params, opts, attempt, logger)
	})
	if err != nil {
		errorsTotal.WithLabelValues(string(classifyError(err))).Inc()
		return nil, err
	}

	c.track(ctx, req.Method, env.Time)
	return env, nil
}

// attempt issues one transport request and classifies its outcome.
func (c *Client) attempt(ctx context.Context, method string, params Params, opts CallOptions, attempt int, logger zerolog.Logger) (*envelope, retryDecision, error) {
	logger.Debug().Int("attempt", attempt).Msg("Executing request")

	start := time.Now()
	var body any
	if params != nil {
		body = params
	}
	raw, err := c.transport.Send(ctx, method, body, opts)
	requestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		requestsTotal.WithLabelValues(method, "network_error").Inc()
		if ctx.Err() != nil {
			return nil, resolved, err
		}
		logger.Error().Err(err).Int("attempt", attempt).Msg("HTTP request failed")
		return nil, retryable, &TransportError{Err: err}
	}

	requestsTotal.WithLabelValues(method, strconv.Itoa(raw.StatusCode)).Inc()

	env, decodeErr := decodeEnvelope(raw.Body)
	retry := c.isRetryableStatus(raw.StatusCode) || (env.isError() && c.isRetryableCode(env.Error))

	decision := resolved
	if retry {
		decision = retryable
	}

	switch {
	case env.isError():
		logger.Warn().
			Int("status", raw.StatusCode).
			Str("error_code", env.Error).
			Bool("retryable", retry).
			Msg("API error response")
		return nil, decision, env.applicationError(raw.StatusCode)
	case raw.StatusCode >= 300:
		logger.Warn().
			Int("status", raw.StatusCode).
			Bool("retryable", retry).
			Msg("HTTP error response")
		return nil, decision, &TransportError{StatusCode: raw.StatusCode}
	case decodeErr != nil:
		return nil, resolved, NewProtocolError("call "+method, ErrMalformedResponse, "decode body: %v", decodeErr)
	case env.Result == nil:
		return nil, resolved, NewProtocolError("call "+method, ErrMalformedResponse, "response has no 'result'")
	}

	return env, decision, nil
}

func (c *Client) isRetryableStatus(status int) bool {
	if !c.statusRetry {
		return false
	}
	_, ok := c.retryStatuses[status]
	return ok
}

func (c *Client) isRetryableCode(code string) bool {
	_, ok := c.retryErrors[normalizeCode(code)]
	return ok
}

// gate consults the operating budget tracker for each method.
func (c *Client) gate(ctx context.Context, methods ...string) error {
	if c.tracker == nil {
		return nil
	}
	for _, method := range methods {
		allowed, err := c.tracker.ShouldAllowRequest(ctx, method)
		if err != nil {
			c.logger.Error().Err(err).Str("method", method).Msg("Operating budget check failed")
			return fmt.Errorf("operating budget check: %w", err)
		}
		if !allowed {
			requestsTotal.WithLabelValues(method, "blocked").Inc()
			return fmt.Errorf("%w: %s", ratelimit.ErrOperatingBudgetExhausted, method)
		}
	}
	return nil
}

// track records the operating time reported for method.
func (c *Client) track(ctx context.Context, method string, t Time) {
	if c.tracker == nil || (t.Operating == 0 && t.OperatingResetAt == 0) {
		return
	}
	if err := c.tracker.Update(ctx, method, t.Operating, t.OperatingResetAt); err != nil {
		c.logger.Warn().Err(err).Str("method", method).Msg("Failed to update operating state")
	}
}
