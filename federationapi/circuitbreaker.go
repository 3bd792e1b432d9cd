package federationapi

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/palpo-matrix-server/palpo-sub005/pkg/spec"
)

// circuitBreakers tracks one breaker per destination server, trip
// threshold and cooloff shared across all of them per the configured
// policy.
type circuitBreakers struct {
	mu        sync.Mutex
	breakers  map[spec.ServerName]*breakerState
	threshold int
	cooloff   time.Duration
}

type breakerState struct {
	consecutiveFailures atomic.Int64
	openUntil           time.Time
}

func newCircuitBreakers(threshold int, cooloff time.Duration) *circuitBreakers {
	return &circuitBreakers{
		breakers:  map[spec.ServerName]*breakerState{},
		threshold: threshold,
		cooloff:   cooloff,
	}
}

// allow reports whether a request to destination may proceed: false means
// the breaker is open and the caller should fail fast without dialing out.
func (c *circuitBreakers) allow(destination spec.ServerName) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.breakers[destination]
	if !ok {
		return true
	}
	return time.Now().After(st.openUntil)
}

// recordSuccess resets destination's failure count, closing its breaker.
func (c *circuitBreakers) recordSuccess(destination spec.ServerName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, destination)
}

// recordFailure counts a failed attempt against destination, opening its
// breaker for cooloff once the threshold is reached.
func (c *circuitBreakers) recordFailure(destination spec.ServerName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.breakers[destination]
	if !ok {
		st = &breakerState{}
		c.breakers[destination] = st
	}
	failures := st.consecutiveFailures.Inc()
	if failures >= int64(c.threshold) {
		st.openUntil = time.Now().Add(c.cooloff)
	}
}

// ErrCircuitOpen is returned when a destination's breaker is tripped.
type ErrCircuitOpen spec.ServerName

func (e ErrCircuitOpen) Error() string {
	return "federationapi: circuit open for destination " + string(e)
}
