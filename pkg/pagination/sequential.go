package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/b24-client/pkg/client"
)

// Sequential fetches every page of req one call at a time, using the total
// reported with the first page. listSize <= 0 uses the configured default.
func (p *Pager) Sequential(ctx context.Context, req client.Request, listSize int) ([]any, error) {
	start := time.Now()
	listSize = p.listSize(listSize)

	items, total, err := p.firstPage(ctx, req, listSize, StrategySequential)
	if err != nil {
		return nil, err
	}

	for offset := listSize; offset < total; offset += listSize {
		resp, err := p.caller.Call(ctx, withParams(req, map[string]any{"start": offset}))
		paginationRequestsTotal.WithLabelValues(StrategySequential).Inc()
		if err != nil {
			return nil, err
		}

		page, err := client.UnwrapList(resp.Result)
		if err != nil {
			return nil, err
		}
		if err := checkNext(StrategySequential, resp.Next, offset+listSize); err != nil {
			return nil, err
		}
		items = append(items, page...)
	}

	paginationItemsTotal.WithLabelValues(StrategySequential).Add(float64(len(items)))
	p.logger.Info().
		Str("method", req.Method).
		Str("strategy", StrategySequential).
		Int("items", len(items)).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, nil
}

// Batched fetches the first page of req, then all remaining offsets through
// the batch scheduler in physical batches of batchSize.
func (p *Pager) Batched(ctx context.Context, req client.Request, listSize, batchSize int) ([]any, error) {
	start := time.Now()
	listSize = p.listSize(listSize)
	batchSize = p.batchSize(batchSize)

	items, total, err := p.firstPage(ctx, req, listSize, StrategyBatched)
	if err != nil {
		return nil, err
	}

	var reqs []client.Request
	for offset := listSize; offset < total; offset += listSize {
		reqs = append(reqs, withParams(req, map[string]any{"start": offset}))
	}

	if len(reqs) > 0 {
		results, err := p.caller.Batch(ctx, reqs, client.BatchOptions{Size: batchSize, ListResult: true})
		paginationRequestsTotal.WithLabelValues(StrategyBatched).Add(float64(len(reqs)))
		if err != nil {
			return nil, err
		}

		for i, res := range results {
			offset := listSize * (i + 1)
			if err := checkNext(StrategyBatched, res.Next, offset+listSize); err != nil {
				return nil, err
			}
			items = append(items, res.List...)
		}
	}

	paginationItemsTotal.WithLabelValues(StrategyBatched).Add(float64(len(items)))
	p.logger.Info().
		Str("method", req.Method).
		Str("strategy", StrategyBatched).
		Int("items", len(items)).
		Int("total", total).
		Int("requests", len(reqs)+1).
		Dur("duration", time.Since(start)).
		Msg("Fetch complete")

	return items, nil
}

// firstPage fetches start=0 and returns its items and the reported total.
func (p *Pager) firstPage(ctx context.Context, req client.Request, listSize int, strategy string) ([]any, int, error) {
	resp, err := p.caller.Call(ctx, withParams(req, map[string]any{"start": 0}))
	paginationRequestsTotal.WithLabelValues(strategy).Inc()
	if err != nil {
		return nil, 0, err
	}

	items, err := client.UnwrapList(resp.Result)
	if err != nil {
		return nil, 0, err
	}
	if err := checkNext(strategy, resp.Next, listSize); err != nil {
		return nil, 0, err
	}

	total := 0
	if resp.Total != nil {
		total = *resp.Total
	}

	p.logger.Debug().
		Str("method", req.Method).
		Str("strategy", strategy).
		Int("total", total).
		Int("list_size", listSize).
		Msg("First page fetched")

	return items, total, nil
}

// checkNext validates a declared next offset.
func checkNext(op string, next *int, want int) error {
	if next == nil || *next == want {
		return nil
	}
	return client.NewProtocolError(op, client.ErrPageOffset,
		"expecting next offset %d, got %d (list size does not match the server page size)", want, *next)
}
