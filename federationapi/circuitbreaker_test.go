package federationapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cb := newCircuitBreakers(3, time.Hour)
	dest := "down.example.org"

	assert.True(t, cb.allow(dest))
	cb.recordFailure(dest)
	cb.recordFailure(dest)
	assert.True(t, cb.allow(dest), "below threshold, still closed")
	cb.recordFailure(dest)
	assert.False(t, cb.allow(dest), "threshold reached, breaker open")
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newCircuitBreakers(3, time.Hour)
	dest := "flaky.example.org"

	cb.recordFailure(dest)
	cb.recordFailure(dest)
	cb.recordSuccess(dest)
	cb.recordFailure(dest)
	cb.recordFailure(dest)
	assert.True(t, cb.allow(dest), "success cleared the prior failure streak")
}

func TestCircuitBreakerClosesAfterCooloff(t *testing.T) {
	cb := newCircuitBreakers(1, time.Millisecond)
	dest := "slow-recovery.example.org"

	cb.recordFailure(dest)
	assert.False(t, cb.allow(dest))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.allow(dest), "breaker must allow requests again once cooloff elapses")
}

func TestCircuitBreakersAreIndependentPerDestination(t *testing.T) {
	cb := newCircuitBreakers(1, time.Hour)
	cb.recordFailure("a.example.org")
	assert.False(t, cb.allow("a.example.org"))
	assert.True(t, cb.allow("b.example.org"))
}
