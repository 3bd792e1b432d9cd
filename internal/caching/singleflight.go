package caching

import "golang.org/x/sync/singleflight"

// SingleFlightGroup deduplicates concurrent fetches for the same key so
// that only one request per key is in flight server-wide. Used by the
// keyring for key fetches and by the ingestion pipeline's outlier fetcher.
type SingleFlightGroup struct {
	g singleflight.Group
}

func NewSingleFlightGroup() *SingleFlightGroup {
	return &SingleFlightGroup{}
}

// Do executes fn for key if no call for key is already in flight, or waits
// for and shares the result of the in-flight call otherwise.
func (s *SingleFlightGroup) Do(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return s.g.Do(key, fn)
}

// Forget removes key from the in-flight set, used after a terminal failure
// so a subsequent legitimate retry is not shared with the failed attempt.
func (s *SingleFlightGroup) Forget(key string) {
	s.g.Forget(key)
}
