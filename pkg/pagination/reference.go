package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
)

// Update scopes one sub-list of a Reference fetch. Filter is merged into the
// base request's filter; Payload travels with every page of the sub-list.
type Update struct {
	Filter  map[string]any
	Payload any
}

// ReferenceOptions configures Reference. Zero fields use the pager defaults.
type ReferenceOptions struct {
	IDKey     string
	ListSize  int
	BatchSize int
}

// Page is one page of a sub-list together with the sub-list's payload.
type Page struct {
	Items   []any
	Payload any
}

// Flatten concatenates the items of pages.
func Flatten(pages []Page) []any {
	n := 0
	for _, page := range pages {
		n += len(page.Items)
	}
	items := make([]any, 0, n)
	for _, page := range pages {
		items = append(items, page.Items...)
	}
	return items
}

// Reference fetches one sub-list per update, all in ascending id order,
// without totals. First probes for new sub-lists and continuations of
// sub-lists whose last page was full share physical batches; a batch is
// flushed once it holds batchSize calls or no updates are left.
//
// Pages of one sub-list are returned in order; pages of different sub-lists
// are interleaved in flush order. req must not set "order" or ">IDKey", and
// neither may any update filter.
func (p *Pager) Reference(ctx context.Context, req client.Request, updates []Update, opts ReferenceOptions) ([]Page, error) {
	start := time.Now()
	idKey := p.idKey(opts.IDKey)
	listSize := p.listSize(opts.ListSize)
	batchSize := p.batchSize(opts.BatchSize)
	idFrom := ">" + idKey

	if err := checkReserved(StrategyReference, req.Params, idFrom); err != nil {
		return nil, err
	}

	probes := make([]client.Request, len(updates))
	for i, update := range updates {
		if _, ok := update.Filter[idFrom]; ok {
			return nil, client.NewProtocolError(StrategyReference, client.ErrReservedParameter,
				"filter parameter %q is reserved (update %d)", idFrom, i)
		}
		probe := withParams(req, map[string]any{
			"filter": update.Filter,
			"start":  -1,
			"order":  ascending(idKey),
		})
		probe.Payload = update.Payload
		probes[i] = probe
	}

	var pages []Page
	var continuations, pending []client.Request
	flushes, calls := 0, 0

	flush := func() error {
		reqs := make([]client.Request, 0, len(continuations)+len(pending))
		reqs = append(reqs, continuations...)
		reqs = append(reqs, pending...)
		results, err := p.caller.Batch(ctx, reqs, client.BatchOptions{Size: batchSize, ListResult: true})
		paginationRequestsTotal.WithLabelValues(StrategyReference).Add(float64(len(reqs)))
		flushes++
		calls += len(reqs)
		if err != nil {
			return err
		}

		var next []client.Request
		for i, res := range results {
			if len(res.List) == listSize {
				_, maxID, _, err := idBounds(StrategyReference, res.List, idKey)
				if err != nil {
					return err
				}
				next = append(next, withParams(reqs[i], map[string]any{
					"filter": map[string]any{idFrom: maxID},
				}))
			}
			pages = append(pages, Page{Items: res.List, Payload: res.Payload})
		}

		p.logger.Debug().
			Str("method", req.Method).
			Int("calls", len(reqs)).
			Int("continuations", len(next)).
			Msg("Reference batch flushed")

		continuations, pending = next, nil
		return nil
	}

	for _, probe := range probes {
		pending = append(pending, probe)
		if len(continuations)+len(pending) < batchSize {
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
	}
	for len(continuations) > 0 || len(pending) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	items := 0
	for _, page := range pages {
		items += len(page.Items)
	}
	paginationItemsTotal.WithLabelValues(StrategyReference).Add(float64(items))
	p.logger.Info().
		Str("method", req.Method).
		Str("strategy", StrategyReference).
		Int("groups", len(updates)).
		Int("items", items).
		Int("requests", calls).
		Int("batches", flushes).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return pages, nil
}
