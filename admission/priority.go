/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Priority is the admission priority of a request. Greater values are dispatched first.
type Priority int

// Priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "normal", "high", "critical"}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses the priority name case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// DefaultPriorityKeywords maps path keywords to priorities.
func DefaultPriorityKeywords() map[string]Priority {
	return map[string]Priority{
		"health":    PriorityCritical,
		"auth":      PriorityHigh,
		"trade":     PriorityHigh,
		"order":     PriorityHigh,
		"analytics": PriorityLow,
		"logs":      PriorityLow,
		"metrics":   PriorityLow,
	}
}

// Classifier assigns priorities to request paths by keywords.
// A path containing several keywords gets the highest of their priorities,
// a path without keywords gets PriorityNormal.
type Classifier struct {
	matcher    *ahocorasick.Matcher
	keywords   []string
	priorities []Priority
}

// NewClassifier creates a new Classifier.
// Keywords are matched case-insensitively against path words (segments split by "/", "-", "_" and ".").
// A word matches a keyword if it equals the keyword or extends it by one trailing character,
// so "orders" and "healthz" match while "borders" and "authors" do not.
func NewClassifier(keywords map[string]Priority) *Classifier {
	dict := make([]string, 0, len(keywords))
	priorities := make([]Priority, 0, len(keywords))
	for kw, p := range keywords {
		dict = append(dict, strings.ToLower(kw))
		priorities = append(priorities, p)
	}
	return &Classifier{matcher: ahocorasick.NewStringMatcher(dict), keywords: dict, priorities: priorities}
}

// NewDefaultClassifier creates a Classifier with DefaultPriorityKeywords.
func NewDefaultClassifier() *Classifier {
	return NewClassifier(DefaultPriorityKeywords())
}

// Classify returns the priority of the path.
func (c *Classifier) Classify(path string) Priority {
	res, found := PriorityLow, false
	for _, word := range strings.FieldsFunc(strings.ToLower(path), isPathWordSeparator) {
		for _, i := range c.matcher.MatchThreadSafe([]byte(word)) {
			kw := c.keywords[i]
			if !strings.HasPrefix(word, kw) || len(word)-len(kw) > 1 {
				continue
			}
			res, found = max(res, c.priorities[i]), true
		}
	}
	if !found {
		return PriorityNormal
	}
	return res
}

func isPathWordSeparator(r rune) bool {
	return r == '/' || r == '-' || r == '_' || r == '.'
}
