package connector

import (
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Cooldowns tracks targets that answered with a blocked or banned
// response. Entries expire on their own after the configured window, so
// a target becomes eligible again without any sweeping. The tracker is
// shared across runs: a host that banned one run has banned them all.
type Cooldowns struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCooldowns creates a tracker whose entries expire after ttl.
func NewCooldowns(ttl time.Duration) (*Cooldowns, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 12, // plenty for hostnames at cost 1 each
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create cooldown cache: %w", err)
	}
	return &Cooldowns{cache: cache, ttl: ttl}, nil
}

// Install starts the cooldown window for a target. Installing again
// restarts the window.
func (c *Cooldowns) Install(target string) {
	if target == "" {
		return
	}
	c.cache.SetWithTTL(target, time.Now(), 1, c.ttl)
	// Sets are applied asynchronously; wait so the very next Active call
	// already sees this target.
	c.cache.Wait()
	log.Printf("[COOLDOWN] Installed %s for %s", target, c.ttl)
}

// Active reports whether the target is cooling down and how long is
// left in its window.
func (c *Cooldowns) Active(target string) (time.Duration, bool) {
	if target == "" {
		return 0, false
	}
	return c.cache.GetTTL(target)
}

// Close releases the tracker.
func (c *Cooldowns) Close() {
	c.cache.Close()
}
