package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchMethod is the remote method that executes a batch of commands.
const BatchMethod = "batch"

var (
	batchChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_batch_chunks_total",
		Help: "Total number of physical batches executed",
	})

	batchCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b24_batch_commands_total",
		Help: "Total number of logical calls sent inside physical batches",
	})
)

// BatchKey returns the key of the call at index in a chunk of n calls:
// "_" followed by index zero-padded to the digit count of n.
func BatchKey(index, n int) string {
	width := len(strconv.Itoa(n))
	return fmt.Sprintf("_%0*d", width, index)
}

// Batch executes reqs in physical batches of at most opts.Size calls each.
// Chunks run one after another; results are returned in submission order.
// Any per-key error aborts the whole operation with the first error in key order.
func (c *Client) Batch(ctx context.Context, reqs []Request, opts BatchOptions) ([]BatchResult, error) {
	size := opts.Size
	if size <= 0 {
		size = c.config.BatchSize
	}
	if size > MaxBatchSize {
		size = MaxBatchSize
	}

	results := make([]BatchResult, 0, len(reqs))
	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}

		chunk, err := c.executeChunk(ctx, reqs[start:end], opts.ListResult)
		if err != nil {
			return nil, err
		}
		results = append(results, chunk...)
	}

	return results, nil
}

// executeChunk runs one physical batch.
func (c *Client) executeChunk(ctx context.Context, reqs []Request, listResult bool) ([]BatchResult, error) {
	keys := make([]string, len(reqs))
	commands := make([]string, len(reqs))
	cmd := make(map[string]any, len(reqs))
	methods := make([]string, 0, len(reqs))
	seen := make(map[string]struct{}, len(reqs))

	for i, req := range reqs {
		keys[i] = BatchKey(i, len(reqs))
		commands[i] = req.Command()
		cmd[keys[i]] = commands[i]
		if _, ok := seen[req.Method]; !ok {
			seen[req.Method] = struct{}{}
			methods = append(methods, req.Method)
		}
	}

	if err := c.gate(ctx, methods...); err != nil {
		return nil, err
	}

	logger := c.logger.With().
		Str("method", BatchMethod).
		Int("commands", len(reqs)).
		Logger()
	logger.Debug().Strs("keys", keys).Msg("Executing batch chunk")

	physical := Request{
		Method: BatchMethod,
		Params: Params{
			"halt": true,
			"cmd":  cmd,
		},
	}

	batch, err := retryWithBackoff(ctx, c.config.BatchRetry, "batch", logger, func(ctx context.Context, attempt int) (*batchEnvelope, retryDecision, error) {
		env, err := c.execute(ctx, physical)
		if err != nil {
			return nil, resolved, err
		}

		var batch batchEnvelope
		if err := json.Unmarshal(env.Result, &batch); err != nil {
			return nil, resolved, NewProtocolError("batch", ErrMalformedResponse, "decode batch result: %v", err)
		}

		for _, body := range batch.ResultError {
			if c.isRetryableCode(body.Error) {
				return &batch, retryable, batch.firstError(keys)
			}
		}
		return &batch, resolved, nil
	})
	if err != nil {
		return nil, err
	}

	batchChunksTotal.Inc()
	batchCommandsTotal.Add(float64(len(reqs)))

	if appErr := batch.firstError(keys); appErr != nil {
		logger.Warn().
			Str("error_code", appErr.Code).
			Msg("Batch command failed")
		return nil, appErr
	}

	results := make([]BatchResult, len(reqs))
	for i, key := range keys {
		raw, ok := batch.Result[key]
		if !ok {
			return nil, NewProtocolError("batch", ErrMissingBatchKey,
				"expecting 'result' to contain result for command {'%s': '%s'}", key, commands[i])
		}
		t, ok := batch.ResultTime[key]
		if !ok {
			return nil, NewProtocolError("batch", ErrMissingBatchKey,
				"expecting 'result_time' to contain result for command {'%s': '%s'}", key, commands[i])
		}

		value, err := decodeValue(raw)
		if err != nil {
			return nil, NewProtocolError("batch", ErrMalformedResponse, "decode result for %s: %v", key, err)
		}

		result := BatchResult{
			Key:     key,
			Command: commands[i],
			Result:  value,
			Time:    t,
			Payload: reqs[i].Payload,
		}
		if total, ok := batch.ResultTotal[key]; ok {
			result.Total = &total
		}
		if next, ok := batch.ResultNext[key]; ok {
			result.Next = &next
		}
		if listResult {
			list, err := UnwrapList(value)
			if err != nil {
				return nil, err
			}
			result.List = list
		}
		results[i] = result
	}

	for _, method := range methods {
		var last Time
		for i, req := range reqs {
			if req.Method == method {
				last = results[i].Time
			}
		}
		c.track(ctx, method, last)
	}

	return results, nil
}
