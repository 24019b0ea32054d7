package service

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"devproxy/internal/model"
)

var (
	// ErrInvalidRule is returned for a rule with no usable prefix or target.
	ErrInvalidRule = errors.New("invalid proxy rule")
	// ErrOverlappingRules is returned when one rule's prefix is a prefix of another's.
	ErrOverlappingRules = errors.New("proxy rules overlap")
)

// Table is the immutable set of proxy rules. At most one rule matches any
// request path, so lookups are order-independent. A Table is safe for
// concurrent use.
type Table struct {
	rules []model.ProxyRule
}

// NewTable validates rules and builds a Table.
func NewTable(rules ...model.ProxyRule) (*Table, error) {
	for i, r := range rules {
		if !strings.HasPrefix(r.PathPrefix, "/") {
			return nil, fmt.Errorf("%w: prefix %q must start with '/'", ErrInvalidRule, r.PathPrefix)
		}
		if r.Target == nil || r.Target.Host == "" {
			return nil, fmt.Errorf("%w: prefix %q has no target host", ErrInvalidRule, r.PathPrefix)
		}
		for _, prev := range rules[:i] {
			if model.PrefixesOverlap(r.PathPrefix, prev.PathPrefix) {
				return nil, fmt.Errorf("%w: %q and %q", ErrOverlappingRules, prev.PathPrefix, r.PathPrefix)
			}
		}
	}

	sorted := slices.Clone(rules)
	slices.SortFunc(sorted, func(a, b model.ProxyRule) int {
		return strings.Compare(a.PathPrefix, b.PathPrefix)
	})
	return &Table{rules: sorted}, nil
}

// Match returns the rule whose prefix begins path.
func (t *Table) Match(path string) (model.ProxyRule, bool) {
	for _, r := range t.rules {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return model.ProxyRule{}, false
}

// Label returns the matching prefix, or "other", as a bounded metric label.
func (t *Table) Label(path string) string {
	if r, ok := t.Match(path); ok {
		return r.PathPrefix
	}
	return "other"
}

// Rules returns a copy of the rules sorted by prefix.
func (t *Table) Rules() []model.ProxyRule {
	return slices.Clone(t.rules)
}
