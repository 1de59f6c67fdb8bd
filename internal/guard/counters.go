package guard

import (
	"strings"
	"sync"
	"time"
)

// counter tracks one (scope key, identifier) pair. A live blockedUntil must
// be honored even after the counting window has rolled over.
type counter struct {
	count        int
	windowStart  time.Time
	blockedUntil time.Time
}

// CheckResult is the outcome of charging one scope for a request.
type CheckResult struct {
	ScopeKey     string
	Admitted     bool
	RetryAfter   time.Duration
	CurrentCount int
	Limit        int
	Remaining    int
}

// counterStore holds all window counters. The check-and-increment for a key
// is a single atomic unit under the store mutex, so two concurrent requests
// can never both take the last slot in a window.
type counterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	usage    map[string]int64
	rules    *RuleTable
	blocks   *Blocklist
	now      func() time.Time
}

func newCounterStore(rules *RuleTable, blocks *Blocklist) *counterStore {
	return &counterStore{
		counters: make(map[string]*counter),
		usage:    make(map[string]int64),
		rules:    rules,
		blocks:   blocks,
		now:      time.Now,
	}
}

func counterKey(scopeKey, identifier string) string {
	return scopeKey + "|" + identifier
}

// checkAndIncrement charges the scope for one request. The second return
// value is false when no rule is configured for the scope key, in which case
// the scope is skipped entirely.
func (s *counterStore) checkAndIncrement(sc ScopeDescriptor) (CheckResult, bool) {
	rule, ok := s.rules.Lookup(sc.ScopeKey)
	if !ok {
		return CheckResult{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := counterKey(sc.ScopeKey, sc.Identifier)
	c, exists := s.counters[key]
	if !exists {
		c = &counter{windowStart: now}
		s.counters[key] = c
	}

	res := CheckResult{ScopeKey: sc.ScopeKey, Limit: rule.MaxRequests}

	if now.Before(c.blockedUntil) {
		res.CurrentCount = c.count
		res.RetryAfter = c.blockedUntil.Sub(now)
		return res, true
	}

	if now.Sub(c.windowStart) > rule.Window {
		c.count = 0
		c.windowStart = now
	}

	if c.count >= rule.MaxRequests {
		c.blockedUntil = now.Add(rule.BlockDuration)
		s.blocks.Block(sc.ScopeType, sc.Identifier, ReasonAutomaticExceeded, rule.BlockDuration, sc.ScopeKey)
		res.CurrentCount = c.count
		res.RetryAfter = rule.BlockDuration
		return res, true
	}

	c.count++
	s.usage[sc.ScopeKey]++
	res.Admitted = true
	res.CurrentCount = c.count
	res.Remaining = rule.MaxRequests - c.count
	return res, true
}

// clearBlock lifts the counter-level block on every counter for the scope
// type and identifier, resetting each to a fresh window. An operator unblock
// must restore admissibility immediately, not when the original block would
// have expired.
func (s *counterStore) clearBlock(st ScopeType, identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(st) + ":"
	now := s.now()
	for key, c := range s.counters {
		idx := strings.IndexByte(key, '|')
		if idx < 0 || key[idx+1:] != identifier || !strings.HasPrefix(key, prefix) {
			continue
		}
		c.blockedUntil = time.Time{}
		c.count = 0
		c.windowStart = now
	}
}

// activeCount returns the number of live counters.
func (s *counterStore) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// usageSnapshot copies the per-rule charge totals.
func (s *counterStore) usageSnapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

// sweep removes counters whose window has been stale beyond grace multiples
// of the rule window and whose block, if any, has expired. A counter with a
// live block is never removed, regardless of how stale its window is.
func (s *counterStore) sweep(grace int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, c := range s.counters {
		if now.Before(c.blockedUntil) {
			continue
		}
		scopeKey := key
		if idx := strings.IndexByte(key, '|'); idx >= 0 {
			scopeKey = key[:idx]
		}
		rule, ok := s.rules.Lookup(scopeKey)
		if !ok {
			delete(s.counters, key)
			removed++
			continue
		}
		if now.Sub(c.windowStart) > time.Duration(grace)*rule.Window {
			delete(s.counters, key)
			removed++
		}
	}
	return removed
}
