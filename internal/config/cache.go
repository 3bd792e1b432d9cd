package config

// CacheOptions sizes the ristretto cache in internal/caching: the frame
// materialization, auth-chain and server-key partitions all share one
// underlying cache and its single cost budget.
type CacheOptions struct {
	// MaxCostBytes is the shared cache's total cost budget. Each entry a
	// RistrettoCachePartition stores costs 1, so the budget counts entries,
	// not bytes.
	MaxCostBytes int64 `yaml:"max_cost_bytes"`
}

const defaultCacheMaxCostBytes = int64(128 * 1024 * 1024)

func (c *CacheOptions) Defaults(opts DefaultOpts) {
	if c.MaxCostBytes == 0 {
		c.MaxCostBytes = defaultCacheMaxCostBytes
	}
}

func (c *CacheOptions) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "global.cache.max_cost_bytes", c.MaxCostBytes)
}
