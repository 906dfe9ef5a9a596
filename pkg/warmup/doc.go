// Package warmup fills an HTTP cache ahead of demand by fetching a list of URLs in
// parallel through a caching client.
//
// Example usage:
//
//	c, _ := client.New(client.DefaultConfig("my-app/1.0"))
//	w := warmup.New(c, warmup.DefaultConfig())
//	results, err := w.Warm(ctx, []string{
//		"https://api.example.com/v1/regions",
//		"https://api.example.com/v1/types",
//	})
//
// The warmer:
//   - Runs at most MaxConcurrency fetches at a time
//   - Bounds each fetch with Timeout
//   - Drains every body so the response reaches the cache
//   - Keeps going when single URLs fail and returns partial results
package warmup
