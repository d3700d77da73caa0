package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// envelope is the raw shape of every response body: either a success
// ({result, time, total?, next?}) or an error ({error, error_description?}).
type envelope struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Time             Time            `json:"time"`
	Total            *int            `json:"total"`
	Next             *int            `json:"next"`
}

func (e *envelope) isError() bool {
	return e != nil && e.Error != ""
}

func (e *envelope) applicationError(status int) *ApplicationError {
	return &ApplicationError{
		Code:        e.Error,
		Description: e.ErrorDescription,
		StatusCode:  status,
	}
}

// decodeEnvelope parses a response body. Bodies that are not a JSON object
// yield an error; callers decide whether that matters for the status at hand.
func decodeEnvelope(body []byte) (*envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("body is not a json object")
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// batchEnvelope is the "result" of a batch call. The five maps share the
// batch key space.
type batchEnvelope struct {
	Result      keyedMap[json.RawMessage] `json:"result"`
	ResultError keyedMap[errorBody]       `json:"result_error"`
	ResultTotal keyedMap[int]             `json:"result_total"`
	ResultNext  keyedMap[int]             `json:"result_next"`
	ResultTime  keyedMap[Time]            `json:"result_time"`
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// keyedMap decodes a JSON object, or a JSON array the server sends in place
// of an empty (or index-keyed) object.
type keyedMap[T any] map[string]T

// UnmarshalJSON implements json.Unmarshaler.
func (m *keyedMap[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []T
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		out := make(keyedMap[T], len(list))
		for i, v := range list {
			out[strconv.Itoa(i)] = v
		}
		*m = out
		return nil
	}

	var obj map[string]T
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	*m = obj
	return nil
}

// firstError returns the error of the first key in keys order, falling back
// to the lowest foreign key when the server reported errors for keys it was
// not sent.
func (b *batchEnvelope) firstError(keys []string) *ApplicationError {
	if len(b.ResultError) == 0 {
		return nil
	}
	for _, key := range keys {
		if body, ok := b.ResultError[key]; ok {
			return &ApplicationError{Code: body.Error, Description: body.ErrorDescription}
		}
	}

	foreign := make([]string, 0, len(b.ResultError))
	for key := range b.ResultError {
		foreign = append(foreign, key)
	}
	sort.Strings(foreign)
	body := b.ResultError[foreign[0]]
	return &ApplicationError{Code: body.Error, Description: body.ErrorDescription}
}

// decodeValue decodes a raw result keeping numbers as json.Number.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// UnwrapList applies the list-unwrap rule: a sequence is returned as is, a
// mapping must be empty or hold exactly one sequence, anything else is a
// ProtocolError.
func UnwrapList(result any) ([]any, error) {
	switch v := result.(type) {
	case []any:
		if v == nil {
			return []any{}, nil
		}
		return v, nil
	case map[string]any:
		if len(v) == 0 {
			return []any{}, nil
		}
		if len(v) != 1 {
			return nil, NewProtocolError("unwrap list", ErrListShape,
				"if 'result' is a mapping, expecting a single item, got %d keys", len(v))
		}
		for _, inner := range v {
			list, ok := inner.([]any)
			if !ok {
				return nil, NewProtocolError("unwrap list", ErrListShape,
					"if 'result' is a mapping, expecting its single item to be a list, got %T", inner)
			}
			if list == nil {
				return []any{}, nil
			}
			return list, nil
		}
	}
	return nil, NewProtocolError("unwrap list", ErrListShape,
		"expecting 'result' to be a list or a mapping, got %T", result)
}

// normalizeCode turns API error codes into snake_case:
// "OPERATION_TIME_LIMIT" and "operationTimeLimit" both become "operation_time_limit".
func normalizeCode(code string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range strings.TrimSpace(code) {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}
