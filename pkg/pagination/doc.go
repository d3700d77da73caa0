// Package pagination reconstructs complete, ordered result sets from list
// methods that return at most one page (listSize items) per call.
//
// Four strategies are provided, all running on top of a Caller (usually
// *client.Client):
//
//   - Sequential walks start=0, listSize, 2*listSize, ... one call at a time
//     and relies on the total the server reports with the first page.
//   - Batched fetches the first page, then every remaining offset through the
//     batch scheduler.
//   - NoCount never asks for a total (start=-1). It probes the lowest and
//     highest id windows in one batch, then fills the gap between them with
//     id-range requests.
//   - Reference runs the NoCount idea across many filter-scoped sub-lists at
//     once, packing first probes and continuations into shared batches.
//
// Example usage:
//
//	c, _ := client.New(client.DefaultConfig(webhookURL))
//	pager := pagination.NewPager(c, pagination.DefaultConfig())
//	deals, err := pager.NoCount(ctx, client.Request{
//		Method: "crm.deal.list",
//		Params: client.Params{"filter": map[string]any{"STAGE_ID": "WON"}},
//	}, pagination.NoCountOptions{})
//
// Every strategy fully materializes its result. Errors from the client are
// returned unmodified and no partial results are returned on failure.
//
// The pagers own the "order" parameter and the ">ID"/"<ID" filter keys (for
// the configured id key); requests that set them are rejected with a
// ProtocolError wrapping client.ErrReservedParameter.
package pagination
