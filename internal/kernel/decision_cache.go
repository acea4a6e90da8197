package kernel

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/acp-systems/control-plane/pkg/acptypes"
)

const decisionCacheSize = 10000
const defaultDecisionTTL = 5 * time.Second
const maxDecisionTTL = 60 * time.Second

// decisionCacheEntry pairs a cached decision token with the instant it
// was stored, so TTL is evaluated at read time.
type decisionCacheEntry struct {
	token    acptypes.DecisionToken
	cachedAt time.Time
	ttl      time.Duration
}

// decisionCache is the kernel's bounded per-process cache of hub
// "allow" outcomes (spec §5): LRU, <=10,000 entries, keyed by the
// composite (action, actor, tenant, request_hash, policy_version).
// Entries are invalidated wholesale whenever a heartbeat reports a new
// policy_version — simplest correct behaviour, since the key already
// embeds policy_version and a full Purge is cheap relative to a 5s TTL.
type decisionCache struct {
	mu             sync.Mutex
	entries        *lru.Cache[string, decisionCacheEntry]
	knownVersion   string
}

func newDecisionCache() *decisionCache {
	c, _ := lru.New[string, decisionCacheEntry](decisionCacheSize)
	return &decisionCache{entries: c}
}

func decisionCacheKey(action string, actor acptypes.Actor, tenantID, requestHash, policyVersion string) string {
	return strings.Join([]string{action, actor.Type, actor.ID, tenantID, requestHash, policyVersion}, "\x1f")
}

// Get returns a cached allow decision if present and not expired.
func (c *decisionCache) Get(key string) (acptypes.DecisionToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Get(key)
	if !ok {
		return acptypes.DecisionToken{}, false
	}
	if time.Since(e.cachedAt) > e.ttl {
		c.entries.Remove(key)
		return acptypes.DecisionToken{}, false
	}
	return e.token, true
}

// Put stores an allow decision. Only allow outcomes are cached — deny
// and require_approval are never cached, per §4.4's caching contract.
func (c *decisionCache) Put(key string, token acptypes.DecisionToken) {
	if token.Decision != acptypes.DecisionAllow {
		return
	}
	ttl := time.Duration(token.DecisionTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = defaultDecisionTTL
	}
	if ttl > maxDecisionTTL {
		ttl = maxDecisionTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, decisionCacheEntry{token: token, cachedAt: time.Now(), ttl: ttl})
}

// ObservePolicyVersion purges the cache when the observed policy
// version changes, per §4.4's "kernel must invalidate its decision
// cache" contract.
func (c *decisionCache) ObservePolicyVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version == "" || version == c.knownVersion {
		return
	}
	c.knownVersion = version
	c.entries.Purge()
}

// KnownVersion returns the last observed policy_version under lock;
// callers must never read knownVersion directly, since
// ObservePolicyVersion can run concurrently from the heartbeat client.
func (c *decisionCache) KnownVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.knownVersion
}
