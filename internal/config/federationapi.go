package config

import "time"

// FederationAPI holds the settings for outbound federation requests: the
// retry/backoff schedule and per-destination circuit breaker that
// federationapi's Fetcher applies before giving up on a
// destination server.
type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	// DisableTLSValidation allows connecting to federation peers presenting
	// an invalid certificate. Only ever useful in test/Complement setups.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// FetcherTimeout bounds a single outbound request.
	FetcherTimeout time.Duration `yaml:"fetcher_timeout"`

	// MaxRetries caps retry attempts per request before the circuit breaker
	// counts it as a failure.
	MaxRetries int `yaml:"max_retries"`

	// CircuitBreaker trips a destination after this many consecutive
	// failures, backing off further requests to it for CircuitBreakerCooloff.
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooloff   time.Duration `yaml:"circuit_breaker_cooloff"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	if c.FetcherTimeout == 0 {
		c.FetcherTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooloff == 0 {
		c.CircuitBreakerCooloff = 2 * time.Minute
	}
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:federationapi.db"
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.Database.ConnectionString == "" {
		checkNotEmpty(configErrs, "federation_api.database.connection_string", c.Database.ConnectionString)
	}
	checkPositive(configErrs, "federation_api.fetcher_timeout", int64(c.FetcherTimeout))
	checkPositive(configErrs, "federation_api.max_retries", int64(c.MaxRetries))
	checkPositive(configErrs, "federation_api.circuit_breaker_threshold", int64(c.CircuitBreakerThreshold))
	checkPositive(configErrs, "federation_api.circuit_breaker_cooloff", int64(c.CircuitBreakerCooloff))
}
