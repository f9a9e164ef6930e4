package gateway

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// verificationResultTTL is the edge-filter verification cache's TTL
// (§4.7, §5 resource table: entry "(sensor_id, timestamp, result)", TTL 15s).
const verificationResultTTL = 15 * time.Second

// VerificationCache caches the outcome of a sidecar verification call per
// sensor_id, so repeated requests from the same mobile sensor within the
// TTL window skip the round trip. Per §9 Open Questions, this cache is
// shared across filter instances (a single Service owns exactly one).
type VerificationCache struct {
	cache *ttlcache.Cache[string, bool]
}

// NewVerificationCache builds the cache and starts its background
// eviction loop.
func NewVerificationCache() *VerificationCache {
	c := ttlcache.New[string, bool](ttlcache.WithTTL[string, bool](verificationResultTTL))
	go c.Start()
	return &VerificationCache{cache: c}
}

// Get reports a cached verification result for sensorID, if still fresh.
func (c *VerificationCache) Get(sensorID string) (bool, bool) {
	item := c.cache.Get(sensorID)
	if item == nil {
		return false, false
	}
	return item.Value(), true
}

// Set records a fresh verification result for sensorID.
func (c *VerificationCache) Set(sensorID string, result bool) {
	c.cache.Set(sensorID, result, ttlcache.DefaultTTL)
}

// Stop halts the cache's background eviction loop.
func (c *VerificationCache) Stop() {
	c.cache.Stop()
}
