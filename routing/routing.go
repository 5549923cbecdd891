// Package routing maps a category to its destination addresses.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mail2mail/model"
)

// ErrNoRoute describes a category without destination. Resolve never returns
// it; callers use Miss to report the condition.
var ErrNoRoute = errors.New("no destination")

// Route is the resolved destination. To is never nil.
type Route struct {
	To            []string `json:"to"`
	SubjectPrefix *string  `json:"subject_prefix"`
}

// Empty reports whether the route has no recipients.
func (r Route) Empty() bool {
	return len(r.To) == 0
}

// Resolver holds an ordered, read-only rule table.
type Resolver struct {
	rules []model.RoutingRule
}

// New copies rules so later changes by the caller do not leak in.
func New(rules []model.RoutingRule) *Resolver {
	copied := make([]model.RoutingRule, len(rules))
	copy(copied, rules)
	return &Resolver{rules: copied}
}

// Resolve returns the first rule whose category equals category after
// trimming surrounding whitespace. The comparison is case-sensitive. Without
// a match, or on a nil Resolver, it returns an empty route.
func (r *Resolver) Resolve(category string) Route {
	if r == nil {
		return Route{To: []string{}}
	}
	want := strings.TrimSpace(category)
	for _, rule := range r.rules {
		if strings.TrimSpace(rule.Category) != want {
			continue
		}
		route := Route{To: []string{}}
		for _, addr := range rule.To {
			if addr = strings.TrimSpace(addr); addr != "" {
				route.To = append(route.To, addr)
			}
		}
		if rule.SubjectPrefix != nil {
			prefix := *rule.SubjectPrefix
			route.SubjectPrefix = &prefix
		}
		return route
	}
	return Route{To: []string{}}
}

// Miss wraps ErrNoRoute for category.
func Miss(category string) error {
	return fmt.Errorf("%w for category %q", ErrNoRoute, strings.TrimSpace(category))
}
