package guard

import (
	"fmt"
	"sort"
	"time"
)

// ScopeType identifies one counting dimension of a request.
type ScopeType string

const (
	ScopeAddress  ScopeType = "address"
	ScopeIdentity ScopeType = "identity"
	ScopeDevice   ScopeType = "device"
)

// Category classifies an endpoint into an operation category. Sensitive
// categories carry stricter rules layered on top of the per-scope globals.
type Category string

const (
	CategoryFunding      Category = "funding"
	CategoryVerification Category = "verification"
	CategoryConsent      Category = "consent"
	CategoryExport       Category = "export"
	CategoryGeneral      Category = "general"
	CategoryGlobal       Category = "global"
)

// ScopeKey composes a scope type and category into a rule table key,
// e.g. "identity:funding".
func ScopeKey(st ScopeType, cat Category) string {
	return string(st) + ":" + string(cat)
}

// Rule holds the limiting parameters for a single scope key. Rules are
// immutable after the table is built.
type Rule struct {
	ScopeKey      string        `json:"scope_key" yaml:"scope_key"`
	Window        time.Duration `json:"window" yaml:"window"`
	MaxRequests   int           `json:"max_requests" yaml:"max_requests"`
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`
}

// RuleTable maps scope keys to their rules. A missing entry means the scope
// is simply not limited.
type RuleTable struct {
	rules map[string]Rule
}

// NewRuleTable validates and indexes the given rules. Invalid rules are a
// configuration error and refuse initialization.
func NewRuleTable(rules []Rule) (*RuleTable, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rule table: no rules configured")
	}
	indexed := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if r.ScopeKey == "" {
			return nil, fmt.Errorf("rule table: rule with empty scope key")
		}
		if r.MaxRequests < 1 {
			return nil, fmt.Errorf("rule table: %s: max_requests must be >= 1, got %d", r.ScopeKey, r.MaxRequests)
		}
		if r.Window <= 0 {
			return nil, fmt.Errorf("rule table: %s: window must be positive, got %s", r.ScopeKey, r.Window)
		}
		if r.BlockDuration < 0 {
			return nil, fmt.Errorf("rule table: %s: block_duration must not be negative, got %s", r.ScopeKey, r.BlockDuration)
		}
		if _, dup := indexed[r.ScopeKey]; dup {
			return nil, fmt.Errorf("rule table: duplicate rule for %s", r.ScopeKey)
		}
		indexed[r.ScopeKey] = r
	}
	return &RuleTable{rules: indexed}, nil
}

// Lookup returns the rule for a scope key, if any.
func (t *RuleTable) Lookup(scopeKey string) (Rule, bool) {
	r, ok := t.rules[scopeKey]
	return r, ok
}

// Keys returns all configured scope keys in sorted order.
func (t *RuleTable) Keys() []string {
	keys := make([]string, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultRules returns the built-in rule set: one global rule per scope type
// plus stricter rules for the sensitive operation categories.
func DefaultRules() []Rule {
	return []Rule{
		{ScopeKey: ScopeKey(ScopeAddress, CategoryGlobal), Window: time.Minute, MaxRequests: 120, BlockDuration: 10 * time.Minute},
		{ScopeKey: ScopeKey(ScopeIdentity, CategoryGlobal), Window: time.Minute, MaxRequests: 60, BlockDuration: 15 * time.Minute},
		{ScopeKey: ScopeKey(ScopeDevice, CategoryGlobal), Window: time.Minute, MaxRequests: 90, BlockDuration: 10 * time.Minute},

		{ScopeKey: ScopeKey(ScopeAddress, CategoryFunding), Window: time.Minute, MaxRequests: 10, BlockDuration: time.Hour},
		{ScopeKey: ScopeKey(ScopeIdentity, CategoryFunding), Window: time.Minute, MaxRequests: 3, BlockDuration: time.Hour},
		{ScopeKey: ScopeKey(ScopeDevice, CategoryFunding), Window: time.Minute, MaxRequests: 5, BlockDuration: time.Hour},

		{ScopeKey: ScopeKey(ScopeAddress, CategoryVerification), Window: 5 * time.Minute, MaxRequests: 10, BlockDuration: 30 * time.Minute},
		{ScopeKey: ScopeKey(ScopeIdentity, CategoryVerification), Window: 5 * time.Minute, MaxRequests: 5, BlockDuration: time.Hour},
		{ScopeKey: ScopeKey(ScopeDevice, CategoryVerification), Window: 5 * time.Minute, MaxRequests: 8, BlockDuration: 30 * time.Minute},

		{ScopeKey: ScopeKey(ScopeAddress, CategoryConsent), Window: 10 * time.Minute, MaxRequests: 10, BlockDuration: 30 * time.Minute},
		{ScopeKey: ScopeKey(ScopeIdentity, CategoryConsent), Window: 10 * time.Minute, MaxRequests: 5, BlockDuration: time.Hour},

		{ScopeKey: ScopeKey(ScopeAddress, CategoryExport), Window: time.Hour, MaxRequests: 10, BlockDuration: 2 * time.Hour},
		{ScopeKey: ScopeKey(ScopeIdentity, CategoryExport), Window: time.Hour, MaxRequests: 3, BlockDuration: 6 * time.Hour},
	}
}
