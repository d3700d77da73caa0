package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/b24-client/internal/testutil"
)

// newTestClient creates a client against mock with fast retries.
func newTestClient(t *testing.T, mock *testutil.MockB24) *Client {
	t.Helper()

	cfg := DefaultConfig(mock.URL())
	cfg.Retry = fastRetry(3)
	cfg.BatchRetry = fastRetry(3)

	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

// transportFunc adapts a function to Transport.
type transportFunc func(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error)

func (f transportFunc) Send(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
	return f(ctx, method, body, opts)
}

// sequenceHandler answers with statuses[i] on the i-th request (the last one repeats).
func sequenceHandler(statuses []int, bodies []string) http.HandlerFunc {
	var mu sync.Mutex
	n := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		i := n
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		n++
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statuses[i])
		w.Write([]byte(bodies[i]))
	}
}

func TestNew_Validation(t *testing.T) {
	valid := DefaultConfig("https://example.bitrix24.ru/rest/1/secret/")

	tests := []struct {
		name        string
		modify      func(cfg *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid config",
			modify:      func(cfg *Config) {},
			expectError: false,
		},
		{
			name:        "empty webhook url",
			modify:      func(cfg *Config) { cfg.WebhookURL = "" },
			expectError: true,
			errorMsg:    "webhook url is required",
		},
		{
			name:        "relative webhook url",
			modify:      func(cfg *Config) { cfg.WebhookURL = "rest/1/secret" },
			expectError: true,
			errorMsg:    `webhook url "rest/1/secret" is not an absolute url`,
		},
		{
			name:        "zero retry attempts",
			modify:      func(cfg *Config) { cfg.Retry.MaxAttempts = 0 },
			expectError: true,
			errorMsg:    "retry max_attempts must be >= 1 (got 0)",
		},
		{
			name:        "zero batch retry attempts",
			modify:      func(cfg *Config) { cfg.BatchRetry.MaxAttempts = 0 },
			expectError: true,
			errorMsg:    "batch retry max_attempts must be >= 1 (got 0)",
		},
		{
			name:        "list size too low",
			modify:      func(cfg *Config) { cfg.ListSize = 0 },
			expectError: true,
			errorMsg:    "list_size must be >= 1 (got 0)",
		},
		{
			name:        "batch size above server cap",
			modify:      func(cfg *Config) { cfg.BatchSize = 51 },
			expectError: true,
			errorMsg:    "batch_size must be between 1 and 50 (got 51)",
		},
		{
			name:        "negative rate limit",
			modify:      func(cfg *Config) { cfg.RateLimit = -1 },
			expectError: true,
			errorMsg:    "rate_limit must be >= 0 (got -1)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			client, err := New(cfg)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got nil")
					return
				}
				if tt.errorMsg != "" && err.Error() != tt.errorMsg {
					t.Errorf("Error message = %q, want %q", err.Error(), tt.errorMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Unexpected error: %v", err)
					return
				}
				if client == nil {
					t.Error("Client is nil")
				}
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	webhook := "https://example.bitrix24.ru/rest/1/secret/"
	cfg := DefaultConfig(webhook)

	if cfg.WebhookURL != webhook {
		t.Errorf("WebhookURL = %q, want %q", cfg.WebhookURL, webhook)
	}
	if cfg.HTTPMethod != http.MethodPost {
		t.Errorf("HTTPMethod = %q, want POST", cfg.HTTPMethod)
	}
	if cfg.ListSize != 50 {
		t.Errorf("ListSize = %d, want 50", cfg.ListSize)
	}
	if cfg.BatchSize != MaxBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, MaxBatchSize)
	}
	if len(cfg.RetryStatuses) != 7 {
		t.Errorf("len(RetryStatuses) = %d, want 7", len(cfg.RetryStatuses))
	}
	if len(cfg.RetryMethods) != 8 {
		t.Errorf("len(RetryMethods) = %d, want 8", len(cfg.RetryMethods))
	}
	if cfg.Redis != nil {
		t.Error("Redis should be nil by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestCall_Success(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetOperating(1.5, time.Time{})
	mock.SetHandler("crm.lead.get", func(params map[string]any) testutil.Result {
		return testutil.Result{
			Value: map[string]any{"ID": params["id"], "TITLE": "Lead"},
			Total: testutil.Int(1),
		}
	})

	client := newTestClient(t, mock)
	resp, err := client.Call(context.Background(), Request{
		Method: "crm.lead.get",
		Params: Params{"id": 7},
	})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("Result type = %T, want map[string]any", resp.Result)
	}
	if result["ID"] != json.Number("7") {
		t.Errorf("Result[ID] = %v, want 7", result["ID"])
	}
	if resp.Total == nil || *resp.Total != 1 {
		t.Errorf("Total = %v, want 1", resp.Total)
	}
	if resp.Next != nil {
		t.Errorf("Next = %v, want nil", *resp.Next)
	}
	if resp.Time.Operating != 1.5 {
		t.Errorf("Time.Operating = %v, want 1.5", resp.Time.Operating)
	}
	if resp.Time.DateStart.IsZero() {
		t.Error("Time.DateStart is zero")
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Request count = %d, want 1", mock.GetRequestCount())
	}
}

func TestCall_Headers(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetHandler("profile", func(params map[string]any) testutil.Result {
		return testutil.NewValueResult(map[string]any{"ID": "1"})
	})

	client := newTestClient(t, mock)
	_, err := client.Call(context.Background(), Request{
		Method:  "profile",
		Options: CallOptions{Header: http.Header{"X-Trace": []string{"abc"}}},
	})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	header := mock.GetLastRequestHeader()
	if got := header.Get("User-Agent"); got != client.Config().UserAgent {
		t.Errorf("User-Agent = %q, want %q", got, client.Config().UserAgent)
	}
	if got := header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := header.Get("X-Request-Id"); len(got) != 36 {
		t.Errorf("X-Request-Id = %q, want a uuid", got)
	}
	if got := header.Get("X-Trace"); got != "abc" {
		t.Errorf("X-Trace = %q, want abc", got)
	}
}

func TestCall_ApplicationErrorWith2xx(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetHandler("crm.lead.get", func(params map[string]any) testutil.Result {
		return testutil.Result{
			Error:            "NOT_FOUND",
			ErrorDescription: "Not found",
			StatusCode:       http.StatusOK,
		}
	})

	client := newTestClient(t, mock)
	_, err := client.Call(context.Background(), Request{Method: "crm.lead.get"})

	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected ApplicationError, got %T: %v", err, err)
	}
	if appErr.Code != "NOT_FOUND" || appErr.Description != "Not found" {
		t.Errorf("ApplicationError = %+v, want NOT_FOUND/Not found", appErr)
	}
	if appErr.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", appErr.StatusCode)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Request count = %d, want 1 (not retryable)", mock.GetRequestCount())
	}
}

func TestCall_RetryableStatusExhausted(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetRawHandler("crm.lead.list", sequenceHandler(
		[]int{http.StatusServiceUnavailable},
		[]string{"Service Unavailable"},
	))

	client := newTestClient(t, mock)
	_, err := client.Call(context.Background(), Request{Method: "crm.lead.list"})

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %T: %v", err, err)
	}
	if transportErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", transportErr.StatusCode)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("Request count = %d, want 3", mock.GetRequestCount())
	}
}

func TestCall_SuccessOnFinalAttempt(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetRawHandler("crm.lead.list", sequenceHandler(
		[]int{http.StatusBadGateway, http.StatusTooManyRequests, http.StatusOK},
		[]string{"", "", `{"result":[1,2],"time":{"operating":0}}`},
	))

	client := newTestClient(t, mock)
	resp, err := client.Call(context.Background(), Request{Method: "crm.lead.list"})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	list, err := UnwrapList(resp.Result)
	if err != nil {
		t.Fatalf("UnwrapList() failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len(result) = %d, want 2", len(list))
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("Request count = %d, want 3", mock.GetRequestCount())
	}
}

func TestCall_NonRetryableStatus(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetRawHandler("crm.lead.get", sequenceHandler(
		[]int{http.StatusNotFound},
		[]string{"<html>not found</html>"},
	))

	client := newTestClient(t, mock)
	_, err := client.Call(context.Background(), Request{Method: "crm.lead.get"})

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %T: %v", err, err)
	}
	if transportErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", transportErr.StatusCode)
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Request count = %d, want 1", mock.GetRequestCount())
	}
}

func TestCall_RetryableErrorCode(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{name: "upper snake case", code: "QUERY_LIMIT_EXCEEDED"},
		{name: "camel case", code: "operationTimeLimit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockB24()
			defer mock.Close()

			body := `{"error":"` + tt.code + `","error_description":"slow down"}`
			mock.SetRawHandler("crm.lead.get", sequenceHandler(
				[]int{http.StatusBadRequest, http.StatusOK},
				[]string{body, `{"result":{"ID":"1"},"time":{}}`},
			))

			client := newTestClient(t, mock)
			if _, err := client.Call(context.Background(), Request{Method: "crm.lead.get"}); err != nil {
				t.Fatalf("Call() failed: %v", err)
			}
			if mock.GetRequestCount() != 2 {
				t.Errorf("Request count = %d, want 2", mock.GetRequestCount())
			}
		})
	}
}

func TestCall_RetryableErrorCodeExhausted(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetHandler("crm.lead.get", func(params map[string]any) testutil.Result {
		return testutil.Result{Error: "QUERY_LIMIT_EXCEEDED", StatusCode: http.StatusServiceUnavailable}
	})

	client := newTestClient(t, mock)
	_, err := client.Call(context.Background(), Request{Method: "crm.lead.get"})

	var appErr *ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Expected ApplicationError, got %T: %v", err, err)
	}
	if got, want := err.Error(), "QUERY_LIMIT_EXCEEDED: no description"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if mock.GetRequestCount() != 3 {
		t.Errorf("Request count = %d, want 3", mock.GetRequestCount())
	}
}

func TestCall_StatusRetryRequiresRetryableVerb(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetRawHandler("crm.lead.add", sequenceHandler(
		[]int{http.StatusServiceUnavailable},
		[]string{""},
	))

	cfg := DefaultConfig(mock.URL())
	cfg.Retry = fastRetry(3)
	cfg.RetryMethods = []string{http.MethodGet}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Call(context.Background(), Request{Method: "crm.lead.add"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if mock.GetRequestCount() != 1 {
		t.Errorf("Request count = %d, want 1", mock.GetRequestCount())
	}
}

func TestCall_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing result", body: `{"time":{}}`},
		{name: "not an object", body: `[1,2,3]`},
		{name: "invalid json", body: `{"result":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockB24()
			defer mock.Close()

			mock.SetRawHandler("crm.lead.get", sequenceHandler([]int{http.StatusOK}, []string{tt.body}))

			client := newTestClient(t, mock)
			_, err := client.Call(context.Background(), Request{Method: "crm.lead.get"})

			if !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("Expected ErrMalformedResponse, got %v", err)
			}
			if mock.GetRequestCount() != 1 {
				t.Errorf("Request count = %d, want 1", mock.GetRequestCount())
			}
		})
	}
}

func TestCall_NetworkErrorRetried(t *testing.T) {
	client, err := New(func() Config {
		cfg := DefaultConfig("https://example.bitrix24.ru/rest/1/secret/")
		cfg.Retry = fastRetry(3)
		return cfg
	}())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	attempts := 0
	client.SetTransport(transportFunc(func(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &RawResponse{StatusCode: http.StatusOK, Body: []byte(`{"result":true,"time":{}}`)}, nil
	}))

	resp, err := client.Call(context.Background(), Request{Method: "server.time"})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if resp.Result != true {
		t.Errorf("Result = %v, want true", resp.Result)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCall_NetworkErrorExhausted(t *testing.T) {
	client, err := New(func() Config {
		cfg := DefaultConfig("https://example.bitrix24.ru/rest/1/secret/")
		cfg.Retry = fastRetry(2)
		return cfg
	}())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	cause := errors.New("dial tcp: connection refused")
	client.SetTransport(transportFunc(func(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
		return nil, cause
	}))

	_, err = client.Call(context.Background(), Request{Method: "server.time"})

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got %T: %v", err, err)
	}
	if transportErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", transportErr.StatusCode)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	client, err := New(DefaultConfig("https://example.bitrix24.ru/rest/1/secret/"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	client.SetTransport(transportFunc(func(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
		attempts++
		cancel()
		return nil, ctx.Err()
	}))

	_, err = client.Call(ctx, Request{Method: "server.time"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestCall_SendsParamsAsJSON(t *testing.T) {
	client, err := New(DefaultConfig("https://example.bitrix24.ru/rest/1/secret/"))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	var gotMethod string
	var gotBody []byte
	client.SetTransport(transportFunc(func(ctx context.Context, method string, body any, opts CallOptions) (*RawResponse, error) {
		gotMethod = method
		gotBody, _ = encodeBody(body)
		return &RawResponse{StatusCode: http.StatusOK, Body: []byte(`{"result":[],"time":{}}`)}, nil
	}))

	_, err = client.Call(context.Background(), Request{
		Method: "crm.deal.list",
		Params: Params{"filter": map[string]any{">ID": 10}, "select": []any{"ID"}},
	})
	if err != nil {
		t.Fatalf("Call() failed: %v", err)
	}

	if gotMethod != "crm.deal.list" {
		t.Errorf("method = %q, want crm.deal.list", gotMethod)
	}
	if want := `{"filter":{">ID":10},"select":["ID"]}`; string(gotBody) != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
}

func TestHTTPTransport_URL(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	mock.SetHandler("user.current", func(params map[string]any) testutil.Result {
		return testutil.NewValueResult(map[string]any{"ID": "1"})
	})

	cfg := DefaultConfig(strings.TrimSuffix(mock.URL(), "/"))
	transport := NewHTTPTransport(cfg)
	if transport.Verb() != http.MethodPost {
		t.Errorf("Verb() = %q, want POST", transport.Verb())
	}

	raw, err := transport.Send(context.Background(), "user.current", nil, CallOptions{})
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if raw.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", raw.StatusCode)
	}
	if mock.GetCallCount("user.current") != 1 {
		t.Errorf("user.current calls = %d, want 1", mock.GetCallCount("user.current"))
	}
}

func TestHTTPTransport_BodyKeepsOperatorKeys(t *testing.T) {
	mock := testutil.NewMockB24()
	defer mock.Close()

	var gotBody string
	mock.SetRawHandler("crm.deal.list", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":[],"time":{}}`))
	})

	transport := NewHTTPTransport(DefaultConfig(mock.URL()))
	params := Params{"filter": map[string]any{">ID": 10, "<ID": 20, "TITLE": "a&b"}}
	if _, err := transport.Send(context.Background(), "crm.deal.list", params, CallOptions{}); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	want := `{"filter":{"<ID":20,">ID":10,"TITLE":"a&b"}}`
	if gotBody != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}
}
