package rule

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "rule_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

// CompiledRule is a rule with its condition list decoded once, ready for the
// evaluator's hot path.
type CompiledRule struct {
	Rule       RewardRule
	Conditions []Condition
}

// CompiledRuleSet holds every active rule for one reward type, ordered by
// priority then rule id.
type CompiledRuleSet struct {
	Rules     []*CompiledRule
	UpdatedAt time.Time
}

// RuleCache caches compiled rule sets per reward type with a TTL. Concurrent
// misses for the same type collapse into one repository load via singleflight.
type RuleCache struct {
	mu    sync.RWMutex
	items map[string]*CompiledRuleSet
	ttl   time.Duration
	group singleflight.Group
	repo  Repository
}

func NewRuleCache(repo Repository, ttl time.Duration) *RuleCache {
	return &RuleCache{
		items: make(map[string]*CompiledRuleSet),
		ttl:   ttl,
		repo:  repo,
	}
}

// ActiveRules returns the compiled active rules for a reward type.
func (c *RuleCache) ActiveRules(ctx context.Context, rewardType string) ([]*CompiledRule, error) {
	if set, ok := c.get(rewardType); ok {
		cacheHits.Inc()
		return set.Rules, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(rewardType, func() (any, error) {
		if set, ok := c.get(rewardType); ok {
			return set, nil
		}

		rules, err := c.repo.ListActiveByType(ctx, rewardType)
		if err != nil {
			return nil, err
		}

		compiled := make([]*CompiledRule, 0, len(rules))
		for _, r := range rules {
			conditions, err := r.GetConditions()
			if err != nil {
				return nil, err
			}
			compiled = append(compiled, &CompiledRule{Rule: r, Conditions: conditions})
		}

		set := &CompiledRuleSet{Rules: compiled, UpdatedAt: time.Now()}
		c.put(rewardType, set)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledRuleSet).Rules, nil
}

// Invalidate drops every cached set. Called on any rule write; rule changes
// are rare enough that full invalidation beats tracking per-type dirtiness.
func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*CompiledRuleSet)
}

func (c *RuleCache) get(key string) (*CompiledRuleSet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	if !ok || (c.ttl > 0 && time.Since(v.UpdatedAt) > c.ttl) {
		return nil, false
	}
	return v, true
}

func (c *RuleCache) put(key string, set *CompiledRuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = set
}
