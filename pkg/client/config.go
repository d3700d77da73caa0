package client

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxBatchSize is the largest number of commands the API accepts in one batch.
const MaxBatchSize = 50

// Config holds the client configuration.
type Config struct {
	// WebhookURL is the base endpoint; methods are appended as path segments.
	// Example: "https://example.bitrix24.ru/rest/1/secret/"
	WebhookURL string

	// UserAgent header sent with every request.
	UserAgent string

	// HTTPTimeout bounds a single attempt.
	HTTPTimeout time.Duration

	// HTTPMethod is the verb used for every call.
	HTTPMethod string

	// Client-side rate limit (requests per second, 0 disables) and burst.
	RateLimit float64
	RateBurst int

	// Redis enables operating-time budget tracking when set.
	Redis *redis.Client

	// Retry applies to every call; BatchRetry to per-key errors of a batch.
	Retry      RetryConfig
	BatchRetry RetryConfig

	// RetryStatuses are HTTP statuses that trigger a retry.
	RetryStatuses []int

	// RetryErrors are API error codes that trigger a retry. Codes are
	// normalized to snake_case before comparison.
	RetryErrors []string

	// RetryMethods are HTTP verbs for which status-based retries apply.
	RetryMethods []string

	// Pagination defaults.
	ListSize  int
	BatchSize int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(webhookURL string) Config {
	return Config{
		WebhookURL:  webhookURL,
		UserAgent:   "b24-client/0.1.0",
		HTTPTimeout: 30 * time.Second,
		HTTPMethod:  http.MethodPost,
		RateLimit:   0,
		RateBurst:   1,
		Retry:       DefaultRetryConfig(),
		BatchRetry:  DefaultRetryConfig(),
		RetryStatuses: []int{
			http.StatusLocked,
			http.StatusTooEarly,
			http.StatusBadGateway,
			http.StatusTooManyRequests,
			http.StatusServiceUnavailable,
			http.StatusInsufficientStorage,
			http.StatusInternalServerError,
		},
		RetryErrors: []string{"query_limit_exceeded", "operation_time_limit"},
		RetryMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
			http.MethodPatch, http.MethodHead, http.MethodOptions, http.MethodTrace,
		},
		ListSize:  50,
		BatchSize: 50,
	}
}

// Validate checks the configuration for values the client cannot work with.
func (c Config) Validate() error {
	if c.WebhookURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	if u, err := url.Parse(c.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("webhook url %q is not an absolute url", c.WebhookURL)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.BatchRetry.MaxAttempts < 1 {
		return fmt.Errorf("batch retry max_attempts must be >= 1 (got %d)", c.BatchRetry.MaxAttempts)
	}
	if c.ListSize < 1 {
		return fmt.Errorf("list_size must be >= 1 (got %d)", c.ListSize)
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size must be between 1 and %d (got %d)", MaxBatchSize, c.BatchSize)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0 (got %v)", c.RateLimit)
	}
	return nil
}
