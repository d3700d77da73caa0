package testutil

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultPageSize is the server page size of list methods.
const DefaultPageSize = 50

// Collection is a synthetic id-ordered list served by a list method.
// It supports filter[...] with the prefixes ">", ">=", "<", "<=", "=", "!"
// and none, order[FIELD]=ASC|DESC, and start (-1 disables the total count).
type Collection struct {
	mu       sync.Mutex
	items    []map[string]any
	idKey    string
	pageSize int
	wrapKey  string
	calls    int
}

// NewCollection creates a collection over items. Items must carry an integer
// under idKey.
func NewCollection(idKey string, items []map[string]any) *Collection {
	return &Collection{
		items:    items,
		idKey:    idKey,
		pageSize: DefaultPageSize,
	}
}

// Sequence creates a collection with ids 1..n.
func Sequence(n int) *Collection {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"ID":    i + 1,
			"TITLE": fmt.Sprintf("Item %d", i+1),
		}
	}
	return NewCollection("ID", items)
}

// Groups creates a collection whose items are split into groups by GROUP_ID
// (1-based). Ids are ascending across all groups.
func Groups(sizes ...int) *Collection {
	var items []map[string]any
	id := 0
	for g, size := range sizes {
		for i := 0; i < size; i++ {
			id++
			items = append(items, map[string]any{
				"ID":       id,
				"GROUP_ID": g + 1,
			})
		}
	}
	return NewCollection("ID", items)
}

// SetPageSize sets the number of items per page.
func (c *Collection) SetPageSize(n int) *Collection {
	c.pageSize = n
	return c
}

// SetWrapKey wraps every page as {key: [...]} the way some list methods do.
func (c *Collection) SetWrapKey(key string) *Collection {
	c.wrapKey = key
	return c
}

// Calls returns the number of list calls served.
func (c *Collection) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Handler returns the MethodHandler serving the collection.
func (c *Collection) Handler() MethodHandler {
	return func(params map[string]any) Result {
		c.mu.Lock()
		c.calls++
		c.mu.Unlock()

		filter, _ := params["filter"].(map[string]any)
		matched := make([]map[string]any, 0, len(c.items))
		for _, item := range c.items {
			if matches(item, filter) {
				matched = append(matched, item)
			}
		}

		field, desc := c.idKey, false
		if order, ok := params["order"].(map[string]any); ok {
			for k, v := range order {
				field = k
				desc = strings.EqualFold(fmt.Sprint(v), "DESC")
			}
		}
		sort.SliceStable(matched, func(i, j int) bool {
			a, _ := ToInt64(matched[i][field])
			b, _ := ToInt64(matched[j][field])
			if desc {
				return a > b
			}
			return a < b
		})

		start := int64(0)
		if v, ok := params["start"]; ok {
			start, _ = ToInt64(v)
		}

		var res Result
		if start < 0 {
			res.Value = c.wrap(page(matched, 0, c.pageSize))
			return res
		}

		res.Value = c.wrap(page(matched, int(start), c.pageSize))
		res.Total = Int(len(matched))
		if next := int(start) + c.pageSize; next < len(matched) {
			res.Next = Int(next)
		}
		return res
	}
}

func (c *Collection) wrap(list []any) any {
	if c.wrapKey == "" {
		return list
	}
	return map[string]any{c.wrapKey: list}
}

func page(items []map[string]any, start, size int) []any {
	out := []any{}
	for i := start; i < len(items) && i < start+size; i++ {
		out = append(out, items[i])
	}
	return out
}

func matches(item map[string]any, filter map[string]any) bool {
	for key, want := range filter {
		op, field := splitOperator(key)
		got, ok := item[field]
		if !ok {
			return false
		}
		if !compare(op, got, want) {
			return false
		}
	}
	return true
}

func splitOperator(key string) (string, string) {
	for _, op := range []string{">=", "<=", ">", "<", "=", "!"} {
		if strings.HasPrefix(key, op) {
			return op, key[len(op):]
		}
	}
	return "", key
}

func compare(op string, got, want any) bool {
	a, aok := ToInt64(got)
	b, bok := ToInt64(want)
	if !aok || !bok {
		switch op {
		case "", "=":
			return fmt.Sprint(got) == fmt.Sprint(want)
		case "!":
			return fmt.Sprint(got) != fmt.Sprint(want)
		default:
			return false
		}
	}

	switch op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case "!":
		return a != b
	default:
		return a == b
	}
}
