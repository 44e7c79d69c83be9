// Package pagination aggregates cursor-paginated upstream listings.
//
// The upstream returns pages shaped as
//
//	{"data": [...], "paging": {"next": "/users/1/folders/2/videos?page=2"}}
//
// and the next page's URL is only known once the current page has been
// parsed, so pages are fetched strictly one after another:
//
//	walker := pagination.NewWalker(upstreamClient, pagination.DefaultConfig())
//	items, err := walker.FetchAllPages(ctx, "https://api.vimeo.com/users/1/folders/2/videos?per_page=50")
//
// The walker:
//   - appends each page's data in fetch order, without reordering or filtering
//   - resolves host-relative next links against the current page URL
//   - refuses next links that leave the upstream host
//   - aborts on the first error and returns no partial results
//   - enforces page and item caps and detects cursor loops
package pagination
