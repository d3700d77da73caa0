// Package query encodes parameter mappings into the bracketed query-string
// notation used by batch commands, and decodes them back.
//
// Nested mappings become key[sub] and sequences become key[0], key[1], ...
// Values are form-encoded, so a space becomes "+" and a literal "+" becomes
// "%2B". Nil values are dropped recursively and empty sequences or mappings
// produce no output at all.
//
// Example:
//
//	query.Encode(map[string]any{"a": map[string]any{"b": []any{1, 2}}})
//	// a%5Bb%5D%5B0%5D=1&a%5Bb%5D%5B1%5D=2
package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the format used for time.Time values.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Encode serializes params into a query string.
// Mapping keys are emitted in sorted order so the output is deterministic.
func Encode(params map[string]any) string {
	var parts []string
	encodeMap(&parts, "", params)
	return strings.Join(parts, "&")
}

func encodeMap(parts *[]string, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		encodeValue(parts, join(prefix, k), m[k])
	}
}

func encodeValue(parts *[]string, key string, value any) {
	switch v := value.(type) {
	case nil:
		return
	case map[string]any:
		encodeMap(parts, key, v)
	case []any:
		for i, item := range v {
			encodeValue(parts, join(key, strconv.Itoa(i)), item)
		}
	case string:
		appendPair(parts, key, v)
	case bool:
		appendPair(parts, key, strconv.FormatBool(v))
	case json.Number:
		appendPair(parts, key, v.String())
	case time.Time:
		appendPair(parts, key, v.Format(TimeLayout))
	case *time.Time:
		if v != nil {
			appendPair(parts, key, v.Format(TimeLayout))
		}
	case fmt.Stringer:
		appendPair(parts, key, v.String())
	default:
		encodeReflect(parts, key, reflect.ValueOf(value))
	}
}

// encodeReflect handles typed slices, typed maps, numbers and pointers.
func encodeReflect(parts *[]string, key string, rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return
		}
		encodeValue(parts, key, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			encodeValue(parts, join(key, strconv.Itoa(i)), rv.Index(i).Interface())
		}
	case reflect.Map:
		if rv.IsNil() {
			return
		}
		keys := make([]string, 0, rv.Len())
		values := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			values[k] = iter.Value().Interface()
		}
		sort.Strings(keys)
		for _, k := range keys {
			encodeValue(parts, join(key, k), values[k])
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		appendPair(parts, key, strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		appendPair(parts, key, strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		appendPair(parts, key, strconv.FormatFloat(rv.Float(), 'f', -1, 64))
	case reflect.String:
		appendPair(parts, key, rv.String())
	case reflect.Bool:
		appendPair(parts, key, strconv.FormatBool(rv.Bool()))
	default:
		appendPair(parts, key, fmt.Sprint(rv.Interface()))
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}

func appendPair(parts *[]string, key, value string) {
	*parts = append(*parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
}

// Decode parses a query string produced by Encode back into nested mappings.
// Leaf values are strings. A mapping whose keys are exactly 0..n-1 is
// returned as a sequence.
func Decode(qs string) (map[string]any, error) {
	root := make(map[string]any)
	if qs == "" {
		return root, nil
	}

	for _, pair := range strings.Split(qs, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawValue, _ := strings.Cut(pair, "=")

		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", rawKey, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("decode value of %q: %w", key, err)
		}

		path, err := splitPath(key)
		if err != nil {
			return nil, err
		}
		if err := assign(root, path, value); err != nil {
			return nil, err
		}
	}

	for k, v := range root {
		root[k] = normalize(v)
	}
	return root, nil
}

// splitPath turns "a[b][0]" into ["a", "b", "0"].
func splitPath(key string) ([]string, error) {
	head, rest, found := strings.Cut(key, "[")
	if !found {
		return []string{key}, nil
	}

	path := []string{head}
	rest = "[" + rest
	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("malformed key %q", key)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unbalanced brackets in key %q", key)
		}
		path = append(path, rest[1:end])
		rest = rest[end+1:]
	}
	return path, nil
}

func assign(node map[string]any, path []string, value string) error {
	for i, segment := range path {
		if i == len(path)-1 {
			if _, exists := node[segment]; exists {
				return fmt.Errorf("duplicate key %q", strings.Join(path, "."))
			}
			node[segment] = value
			return nil
		}

		next, ok := node[segment]
		if !ok {
			child := make(map[string]any)
			node[segment] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("key %q is both a value and a mapping", strings.Join(path[:i+1], "."))
		}
		node = child
	}
	return nil
}

// normalize converts index-keyed mappings into sequences, bottom up.
func normalize(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}

	for k, v := range m {
		m[k] = normalize(v)
	}

	if len(m) == 0 {
		return m
	}
	list := make([]any, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 || idx >= len(m) || strconv.Itoa(idx) != k {
			return m
		}
		list[idx] = v
	}
	return list
}
