package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
)

// NoCountOptions configures NoCount. Zero fields use the pager defaults.
type NoCountOptions struct {
	IDKey     string
	ListSize  int
	BatchSize int
}

// NoCount returns every item matching req in ascending id order without
// asking the server for a total. The first batch probes the lowest and the
// highest id window; the ids strictly between them are then fetched as
// ranges of listSize ids.
//
// The result is exact as long as the collection does not change during the
// fetch. req must not set "order", ">IDKey" or "<IDKey".
func (p *Pager) NoCount(ctx context.Context, req client.Request, opts NoCountOptions) ([]any, error) {
	start := time.Now()
	idKey := p.idKey(opts.IDKey)
	listSize := p.listSize(opts.ListSize)
	batchSize := p.batchSize(opts.BatchSize)
	idFrom, idTo := ">"+idKey, "<"+idKey

	if err := checkReserved(StrategyNoCount, req.Params, idFrom, idTo); err != nil {
		return nil, err
	}

	head := withParams(req, map[string]any{"start": -1, "order": ascending(idKey)})
	tail := withParams(req, map[string]any{"start": -1, "order": descending(idKey)})

	probes, err := p.caller.Batch(ctx, []client.Request{head, tail}, client.BatchOptions{Size: 2, ListResult: true})
	paginationRequestsTotal.WithLabelValues(StrategyNoCount).Add(2)
	if err != nil {
		return nil, err
	}
	headItems, tailItems := probes[0].List, probes[1].List

	_, maxHead, hasHead, err := idBounds(StrategyNoCount, headItems, idKey)
	if err != nil {
		return nil, err
	}
	minTail, _, hasTail, err := idBounds(StrategyNoCount, tailItems, idKey)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(headItems)+len(tailItems))
	items = append(items, headItems...)

	var bodies []client.Request
	if hasHead && hasTail && maxHead < minTail {
		for s := maxHead; s+1 < minTail; s += int64(listSize) {
			bodies = append(bodies, withParams(head, map[string]any{
				"filter": map[string]any{
					idFrom: s,
					idTo:   min(s+int64(listSize)+1, minTail),
				},
			}))
		}
	}

	if len(bodies) > 0 {
		results, err := p.caller.Batch(ctx, bodies, client.BatchOptions{Size: batchSize, ListResult: true})
		paginationRequestsTotal.WithLabelValues(StrategyNoCount).Add(float64(len(bodies)))
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			items = append(items, res.List...)
		}
	}

	// The tail probe is in descending order; walk it backwards.
	for i := len(tailItems) - 1; i >= 0; i-- {
		id, err := itemID(StrategyNoCount, tailItems[i], idKey)
		if err != nil {
			return nil, err
		}
		if !hasHead || id > maxHead {
			items = append(items, tailItems[i])
		}
	}

	paginationItemsTotal.WithLabelValues(StrategyNoCount).Add(float64(len(items)))
	p.logger.Info().
		Str("method", req.Method).
		Str("strategy", StrategyNoCount).
		Int("items", len(items)).
		Int("requests", len(bodies)+2).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, nil
}
