package alerting

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/factoryops/factory-engine/internal/rules"
)

// ruleCacheTTL bounds how long a candidate rule set is served without
// re-reading the store. CRUD invalidations clear entries sooner.
const ruleCacheTTL = 30 * time.Second

// RuleSource loads candidate rules for one device. Decode failures of
// individual stored rules come back separately so the worker can log and
// keep evaluating the rest.
type RuleSource interface {
	ListCandidateRules(ctx context.Context, factoryID, deviceID int) ([]*rules.Rule, []error, error)
}

type ruleCacheEntry struct {
	rules   []*rules.Rule
	expires time.Time
}

// ruleCache memoizes candidate rule sets per (factory, device).
type ruleCache struct {
	source RuleSource

	mu      sync.Mutex
	entries map[string]ruleCacheEntry
}

func newRuleCache(source RuleSource) *ruleCache {
	return &ruleCache{
		source:  source,
		entries: make(map[string]ruleCacheEntry),
	}
}

func ruleCacheKey(factoryID, deviceID int) string {
	return fmt.Sprintf("%d:%d", factoryID, deviceID)
}

func (c *ruleCache) get(ctx context.Context, factoryID, deviceID int) ([]*rules.Rule, []error, error) {
	key := ruleCacheKey(factoryID, deviceID)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.rules, nil, nil
	}
	c.mu.Unlock()

	loaded, decodeErrs, err := c.source.ListCandidateRules(ctx, factoryID, deviceID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.entries[key] = ruleCacheEntry{rules: loaded, expires: time.Now().Add(ruleCacheTTL)}
	c.mu.Unlock()
	return loaded, decodeErrs, nil
}

// invalidateFactory drops every cached set belonging to one factory.
// Called when a "rules:{factory_id}" invalidation arrives.
func (c *ruleCache) invalidateFactory(factoryID int) {
	prefix := strconv.Itoa(factoryID) + ":"
	c.mu.Lock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
