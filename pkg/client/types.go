package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/Sternrassler/b24-client/pkg/query"
)

// Params is a parameter mapping for a remote method.
// Nested values are map[string]any, []any or scalars; nil values are dropped
// when the mapping is encoded.
type Params map[string]any

// Clone returns a deep copy of p. Nested mappings and sequences are copied
// and normalized to map[string]any and []any, whatever their Go type
// (map[string]int, []string, ...); scalars are shared.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Params:
		return map[string]any(val.Clone())
	case map[string]any:
		return map[string]any(Params(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case nil, string, bool, json.Number, []byte:
		return v
	default:
		return normalizeReflect(v)
	}
}

// normalizeReflect converts typed maps and slices into map[string]any and
// []any so they merge and validate like untyped ones.
func normalizeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return map[string]any(nil)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = cloneValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return []any(nil)
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = cloneValue(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

// Merge deep-merges other into a copy of p. Nested mappings are merged key by
// key; any other value in other replaces the one in p.
func (p Params) Merge(other map[string]any) Params {
	out := p.Clone()
	if out == nil {
		out = make(Params, len(other))
	}
	for k, v := range other {
		if src, ok := asMap(v); ok {
			if dst, ok := asMap(out[k]); ok {
				out[k] = map[string]any(Params(dst).Merge(src))
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Map returns the nested mapping stored under key, if any.
func (p Params) Map(key string) (map[string]any, bool) {
	return asMap(p[key])
}

// Has reports whether key is set to a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Params:
		return m, true
	case nil:
		return nil, false
	}
	if reflect.ValueOf(v).Kind() == reflect.Map {
		m, ok := normalizeReflect(v).(map[string]any)
		return m, ok
	}
	return nil, false
}

// CallOptions are per-call transport options.
type CallOptions struct {
	// Timeout bounds a single attempt; zero uses the transport timeout.
	Timeout time.Duration

	// Header is merged into the outgoing request headers.
	Header http.Header
}

// Request is one logical call.
type Request struct {
	Method  string
	Params  Params
	Payload any
	Options CallOptions
}

// Clone returns a copy of r with deep-copied Params. The payload is shared:
// it is caller-owned and never interpreted.
func (r Request) Clone() Request {
	out := r
	out.Params = r.Params.Clone()
	if r.Options.Header != nil {
		out.Options.Header = r.Options.Header.Clone()
	}
	return out
}

// Command renders r as a batch command: "method?querystring", or just the
// method when there are no parameters to encode.
func (r Request) Command() string {
	qs := query.Encode(r.Params)
	if qs == "" {
		return r.Method
	}
	return r.Method + "?" + qs
}

// Time is the server timing block attached to every result.
type Time struct {
	Start            float64   `json:"start"`
	Finish           float64   `json:"finish"`
	Duration         float64   `json:"duration"`
	Processing       float64   `json:"processing"`
	DateStart        time.Time `json:"date_start"`
	DateFinish       time.Time `json:"date_finish"`
	Operating        float64   `json:"operating"`
	OperatingResetAt float64   `json:"operating_reset_at"`
}

// Response is a decoded successful call.
// Numbers inside Result are json.Number values.
type Response struct {
	Result any
	Time   Time
	Total  *int
	Next   *int
}

// BatchOptions controls how Batch groups and decodes calls.
type BatchOptions struct {
	// Size is the maximum number of logical calls per physical batch.
	// Zero uses Config.BatchSize.
	Size int

	// ListResult unwraps each result into BatchResult.List.
	ListResult bool
}

// BatchResult is the outcome of one logical call inside a batch.
type BatchResult struct {
	Key     string
	Command string
	Result  any
	List    []any
	Time    Time
	Total   *int
	Next    *int
	Payload any
}
