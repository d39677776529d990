// Package pagination provides parallel batch fetching for paginated API
// endpoints.
//
// The API advertises further pages through the Link response header
// (rel="next", rel="last"). The first page tells the fetcher how many pages
// exist; the remaining pages are spread across a small worker pool.
//
// Example usage:
//
//	fetcher := pagination.NewBatchFetcher(apiClient, pagination.DefaultConfig())
//	pages, err := fetcher.FetchAllPages(ctx, "/repos/owner/repo/pulls")
//
// The batch fetcher:
//   - Fetches the first page to determine total pages
//   - Distributes remaining pages across workers
//   - Stops handing out pages after the first failure
//   - Returns partial data together with the error
package pagination
