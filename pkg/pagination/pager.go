package pagination

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"github.com/Sternrassler/b24-client/pkg/client"
	"github.com/Sternrassler/b24-client/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Strategy labels used in metrics and logs.
const (
	StrategySequential = "sequential"
	StrategyBatched    = "batched"
	StrategyNoCount    = "nocount"
	StrategyReference  = "reference"
)

var (
	paginationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_pagination_requests_total",
		Help: "Total logical list calls issued by pagers",
	}, []string{"strategy"})

	paginationItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b24_pagination_items_total",
		Help: "Total items returned by pagers",
	}, []string{"strategy"})
)

// Config holds pager defaults.
type Config struct {
	// ListSize is the number of items the server returns per page.
	ListSize int

	// BatchSize is the maximum number of calls per physical batch.
	BatchSize int

	// IDKey is the monotonic id field of list items.
	IDKey string
}

// DefaultConfig returns the server defaults: pages of 50, batches of 50, "ID".
func DefaultConfig() Config {
	return Config{
		ListSize:  50,
		BatchSize: client.MaxBatchSize,
		IDKey:     "ID",
	}
}

// Caller is the part of *client.Client the pagers need.
type Caller interface {
	Call(ctx context.Context, req client.Request) (*client.Response, error)
	Batch(ctx context.Context, reqs []client.Request, opts client.BatchOptions) ([]client.BatchResult, error)
}

// Pager runs pagination strategies against a Caller.
type Pager struct {
	caller Caller
	config Config
	logger zerolog.Logger
}

// NewPager creates a pager. Zero config fields fall back to DefaultConfig.
func NewPager(caller Caller, config Config) *Pager {
	defaults := DefaultConfig()
	if config.ListSize <= 0 {
		config.ListSize = defaults.ListSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.IDKey == "" {
		config.IDKey = defaults.IDKey
	}

	return &Pager{
		caller: caller,
		config: config,
		logger: logging.NewLogger(logging.ComponentPagination),
	}
}

// Config returns the pager defaults.
func (p *Pager) Config() Config {
	return p.config
}

func (p *Pager) listSize(n int) int {
	if n > 0 {
		return n
	}
	return p.config.ListSize
}

func (p *Pager) batchSize(n int) int {
	if n > 0 {
		return n
	}
	return p.config.BatchSize
}

func (p *Pager) idKey(key string) string {
	if key != "" {
		return key
	}
	return p.config.IDKey
}

// withParams returns a clone of req with params deep-merged into its parameters.
func withParams(req client.Request, params map[string]any) client.Request {
	out := req.Clone()
	out.Params = out.Params.Merge(params)
	return out
}

// ascending and descending build the order parameter for idKey.
func ascending(idKey string) map[string]any {
	return map[string]any{idKey: "ASC"}
}

func descending(idKey string) map[string]any {
	return map[string]any{idKey: "DESC"}
}

// checkReserved rejects requests that set "order" or any of the filter keys.
func checkReserved(op string, params client.Params, filterKeys ...string) error {
	if params.Has("order") {
		return client.NewProtocolError(op, client.ErrReservedParameter,
			"ordering parameters are reserved")
	}
	filter, ok := params.Map("filter")
	if !ok {
		return nil
	}
	for _, key := range filterKeys {
		if _, ok := filter[key]; ok {
			return client.NewProtocolError(op, client.ErrReservedParameter,
				"filter parameter %q is reserved", key)
		}
	}
	return nil
}

// itemID reads the id of a list item as an integer.
func itemID(op string, item any, idKey string) (int64, error) {
	fields, ok := item.(map[string]any)
	if !ok {
		return 0, client.NewProtocolError(op, client.ErrListShape,
			"expecting list items to be mappings, got %T", item)
	}

	switch v := fields[idKey].(type) {
	case json.Number:
		if id, err := v.Int64(); err == nil {
			return id, nil
		}
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil
		}
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v == math.Trunc(v) {
			return int64(v), nil
		}
	}
	return 0, client.NewProtocolError(op, client.ErrListShape,
		"expecting item %q to be an integer, got %v", idKey, fields[idKey])
}

// idBounds returns the smallest and largest id of items; ok is false for an
// empty list.
func idBounds(op string, items []any, idKey string) (lo, hi int64, ok bool, err error) {
	for i, item := range items {
		id, err := itemID(op, item, idKey)
		if err != nil {
			return 0, 0, false, err
		}
		if i == 0 || id < lo {
			lo = id
		}
		if i == 0 || id > hi {
			hi = id
		}
	}
	return lo, hi, len(items) > 0, nil
}
