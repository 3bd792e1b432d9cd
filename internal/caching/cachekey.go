package caching

import "fmt"

// toCacheKeyString renders any comparable cache key as a string suitable
// for namespacing within a shared ristretto.Cache. Typed NIDs and strings
// both flow through here so RistrettoCachePartition can stay generic
// without ristretto needing to know about our domain types.
func toCacheKeyString[K comparable](k K) string {
	return fmt.Sprintf("%v", k)
}
