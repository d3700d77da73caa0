// Package testutil provides testing utilities for the b24 client.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/b24-client/pkg/query"
)

// WebhookPath is the path prefix the mock serves methods under.
const WebhookPath = "/rest/1/testtoken"

// Result is the outcome of one mocked method call.
type Result struct {
	Value any
	Total *int
	Next  *int

	// Error, when set, turns the outcome into an error body.
	Error            string
	ErrorDescription string

	// StatusCode overrides the HTTP status of a single call.
	// Defaults: 200 for success, 400 for errors.
	StatusCode int
}

// MethodHandler answers one logical call. params is the decoded parameter
// mapping: JSON numbers arrive as json.Number for direct calls and as
// strings for commands inside a batch.
type MethodHandler func(params map[string]any) Result

// MockB24 is a configurable mock REST endpoint for testing.
type MockB24 struct {
	server      *httptest.Server
	mu          sync.RWMutex
	handlers    map[string]MethodHandler
	rawHandlers map[string]http.HandlerFunc
	calls       map[string]int

	operating        float64
	operatingResetAt float64

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	LastBatchCommands map[string]string
}

// NewMockB24 creates a new mock server.
func NewMockB24() *MockB24 {
	mock := &MockB24{
		handlers:    make(map[string]MethodHandler),
		rawHandlers: make(map[string]http.HandlerFunc),
		calls:       make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the webhook base URL of the mock.
func (m *MockB24) URL() string {
	return m.server.URL + WebhookPath + "/"
}

// Close shuts down the mock server.
func (m *MockB24) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockB24) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.LastBatchCommands = nil
	m.calls = make(map[string]int)
}

// SetHandler sets the handler of a method. It is used for direct calls and
// for commands inside a batch.
func (m *MockB24) SetHandler(method string, handler MethodHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// SetRawHandler takes over the HTTP exchange of a method, including "batch".
func (m *MockB24) SetRawHandler(method string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawHandlers[method] = handler
}

// SetOperating sets the operating time reported in every time block.
func (m *MockB24) SetOperating(operating float64, resetAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operating = operating
	m.operatingResetAt = 0
	if !resetAt.IsZero() {
		m.operatingResetAt = float64(resetAt.Unix())
	}
}

// GetRequestCount returns the number of HTTP requests made to the server.
func (m *MockB24) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetCallCount returns the number of logical calls of method, counting
// commands inside batches.
func (m *MockB24) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// GetLastRequestHeader returns the headers of the latest request.
func (m *MockB24) GetLastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

func (m *MockB24) serve(w http.ResponseWriter, r *http.Request) {
	method := strings.Trim(strings.TrimPrefix(r.URL.Path, WebhookPath), "/")

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	raw, hasRaw := m.rawHandlers[method]
	m.mu.Unlock()

	if hasRaw {
		raw(w, r)
		return
	}

	params := map[string]any{}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "INVALID_REQUEST",
			"error_description": err.Error(),
		})
		return
	}

	if method == "batch" {
		m.serveBatch(w, params)
		return
	}

	res := m.dispatch(method, params)
	if res.Error != "" {
		status := res.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, errorBody(res))
		return
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	body := map[string]any{
		"result": res.Value,
		"time":   m.timeBlock(),
	}
	if res.Total != nil {
		body["total"] = *res.Total
	}
	if res.Next != nil {
		body["next"] = *res.Next
	}
	writeJSON(w, status, body)
}

func (m *MockB24) serveBatch(w http.ResponseWriter, params map[string]any) {
	cmd, _ := params["cmd"].(map[string]any)
	halt := fmt.Sprint(params["halt"]) == "true" || fmt.Sprint(params["halt"]) == "1"

	keys := make([]string, 0, len(cmd))
	commands := make(map[string]string, len(cmd))
	for key, value := range cmd {
		keys = append(keys, key)
		commands[key] = fmt.Sprint(value)
	}
	sort.Strings(keys)

	m.mu.Lock()
	m.LastBatchCommands = commands
	m.mu.Unlock()

	results := map[string]any{}
	errs := map[string]any{}
	totals := map[string]any{}
	nexts := map[string]any{}
	times := map[string]any{}

	for _, key := range keys {
		method, qs, _ := strings.Cut(commands[key], "?")
		sub, err := query.Decode(qs)
		if err != nil {
			errs[key] = map[string]any{"error": "INVALID_ARG_VALUE", "error_description": err.Error()}
			if halt {
				break
			}
			continue
		}

		res := m.dispatch(method, sub)
		if res.Error != "" {
			errs[key] = errorBody(res)
			if halt {
				break
			}
			continue
		}

		results[key] = res.Value
		times[key] = m.timeBlock()
		if res.Total != nil {
			totals[key] = *res.Total
		}
		if res.Next != nil {
			nexts[key] = *res.Next
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{
			"result":       keyed(results),
			"result_error": keyed(errs),
			"result_total": keyed(totals),
			"result_next":  keyed(nexts),
			"result_time":  keyed(times),
		},
		"time": m.timeBlock(),
	})
}

func (m *MockB24) dispatch(method string, params map[string]any) Result {
	m.mu.Lock()
	m.calls[method]++
	handler, ok := m.handlers[method]
	m.mu.Unlock()

	if !ok {
		return Result{
			Error:            "ERROR_METHOD_NOT_FOUND",
			ErrorDescription: "Method not found!",
			StatusCode:       http.StatusNotFound,
		}
	}
	return handler(params)
}

func (m *MockB24) timeBlock() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	start := float64(now.UnixNano()) / 1e9
	return map[string]any{
		"start":              start,
		"finish":             start + 0.01,
		"duration":           0.01,
		"processing":         0.005,
		"date_start":         now.Format(time.RFC3339),
		"date_finish":        now.Format(time.RFC3339),
		"operating":          m.operating,
		"operating_reset_at": m.operatingResetAt,
	}
}

// keyed mirrors the server, which sends empty maps as JSON arrays.
func keyed(m map[string]any) any {
	if len(m) == 0 {
		return []any{}
	}
	return m
}

func errorBody(res Result) map[string]any {
	body := map[string]any{"error": res.Error}
	if res.ErrorDescription != "" {
		body["error_description"] = res.ErrorDescription
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// NewErrorResult creates an application error outcome.
func NewErrorResult(code, description string) Result {
	return Result{Error: code, ErrorDescription: description}
}

// NewValueResult creates a plain success outcome.
func NewValueResult(value any) Result {
	return Result{Value: value}
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// ToInt64 reads an integer from a decoded parameter or item field.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
