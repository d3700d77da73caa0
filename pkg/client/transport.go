package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// RawResponse is an undecoded transport response.
type RawResponse struct {
	StatusCode int
	Body       []byte
}

// Transport sends one request for a remote method.
type Transport interface {
	Send(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error)
}

// HTTPTransport posts JSON bodies to "<webhook>/<method>".
type HTTPTransport struct {
	baseURL    string
	verb       string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPTransport creates the default transport for cfg.
func NewHTTPTransport(cfg Config) *HTTPTransport {
	verb := cfg.HTTPMethod
	if verb == "" {
		verb = http.MethodPost
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &HTTPTransport{
		baseURL:   strings.TrimRight(cfg.WebhookURL, "/"),
		verb:      verb,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		limiter: limiter,
	}
}

// Verb returns the HTTP method used for every call.
func (t *HTTPTransport) Verb() string {
	return t.verb
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (t *HTTPTransport) SetHTTPClient(client *http.Client) {
	t.httpClient = client
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if body == nil {
		body = map[string]any{}
	}
	payload, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}

	endpoint := t.baseURL + "/" + strings.TrimLeft(method, "/")
	req, err := http.NewRequestWithContext(ctx, t.verb, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, values := range opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Body:       data,
	}, nil
}

// encodeBody marshals body as JSON without HTML escaping, so filter keys such
// as ">ID" travel as written.
func encodeBody(body any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
